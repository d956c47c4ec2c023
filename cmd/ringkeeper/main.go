// ringkeeper CLI: habla con el daemon por la API REST local. No toca el
// storage directo (para eso está cmd/keytool).
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type client struct {
	BaseURL   string
	Token     string
	OutFormat string // "json" | "text"
	HTTP      *http.Client
}

func (c *client) do(method, path string, body []byte) (int, []byte, error) {
	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

func (c *client) print(status int, body []byte) {
	if c.OutFormat == "json" {
		var v any
		if json.Unmarshal(body, &v) == nil {
			p, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(p))
			return
		}
	}
	if len(body) > 0 {
		fmt.Println(string(body))
	} else {
		fmt.Printf("status=%d\n", status)
	}
}

func (c *client) run(method, path string, body []byte) error {
	status, out, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return fmt.Errorf("%s %s: status=%d body=%s", method, path, status, string(out))
	}
	c.print(status, out)
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// readArg interpreta el valor como ruta si existe, si no como literal.
// "-" lee stdin.
func readArg(v string) (string, error) {
	if v == "-" {
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	}
	if st, err := os.Stat(v); err == nil && !st.IsDir() {
		b, err := os.ReadFile(v)
		return string(b), err
	}
	return v, nil
}

func main() {
	var (
		baseURL = envOr("RINGKEEPER_URL", "http://localhost:8080")
		token   = envOr("RINGKEEPER_TOKEN", "")
		out     = envOr("RINGKEEPER_OUT", "text")
	)

	root := &cobra.Command{
		Use:   "ringkeeper",
		Short: "CLI para el daemon ringkeeper (API REST local)",
	}
	root.PersistentFlags().StringVar(&baseURL, "url", baseURL, "URL base del daemon (env RINGKEEPER_URL)")
	root.PersistentFlags().StringVar(&token, "token", token, "Bearer token de la API (env RINGKEEPER_TOKEN)")
	root.PersistentFlags().StringVar(&out, "out", out, "Formato de salida: json|text")

	cl := &client{HTTP: &http.Client{Timeout: 60 * time.Second}}
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		cl.BaseURL = baseURL
		cl.Token = token
		cl.OutFormat = out
	}

	// ===== keyrings =====
	keyringsCmd := &cobra.Command{Use: "keyrings", Short: "Gestión de keyrings"}

	keyringsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Lista los keyrings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.run("GET", "/v1/keyrings", nil)
		},
	})

	var createBackend string
	createCmd := &cobra.Command{
		Use:   "create [id]",
		Short: "Crea un keyring (sin id se asigna un UUID)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]string{"backend": createBackend}
			if len(args) == 1 {
				payload["id"] = args[0]
			}
			b, _ := json.Marshal(payload)
			return cl.run("POST", "/v1/keyrings", b)
		},
	}
	createCmd.Flags().StringVar(&createBackend, "backend", "", "Backend: engine|agent (default el del daemon)")
	keyringsCmd.AddCommand(createCmd)

	keyringsCmd.AddCommand(&cobra.Command{
		Use:   "info <id>",
		Short: "Resumen de un keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.run("GET", "/v1/keyrings/"+args[0], nil)
		},
	})

	keyringsCmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Elimina un keyring del storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.run("DELETE", "/v1/keyrings/"+args[0], nil)
		},
	})

	// ===== keys =====
	keysCmd := &cobra.Command{Use: "keys", Short: "Claves de un keyring"}

	keysCmd.AddCommand(&cobra.Command{
		Use:   "list <keyring>",
		Short: "Lista las claves",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.run("GET", "/v1/keyrings/"+args[0]+"/keys", nil)
		},
	})

	var importKind string
	importCmd := &cobra.Command{
		Use:   "import <keyring> <armored-file|->",
		Short: "Importa bloques armored (archivo o stdin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			armored, err := readArg(args[1])
			if err != nil {
				return err
			}
			b, _ := json.Marshal([]map[string]string{{"armored": armored, "kind": importKind}})
			return cl.run("POST", "/v1/keyrings/"+args[0]+"/keys/import", b)
		},
	}
	importCmd.Flags().StringVar(&importKind, "kind", "public", "Tipo de material: public|private")
	keysCmd.AddCommand(importCmd)

	var genName, genEmail, genAlgo, genPass string
	var genRSABits, genExpireDays int
	genCmd := &cobra.Command{
		Use:   "generate <keyring>",
		Short: "Genera una clave nueva en el keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if genEmail == "" {
				return fmt.Errorf("--email es requerido")
			}
			payload := map[string]any{
				"userIds":    []map[string]string{{"name": genName, "email": genEmail}},
				"algorithm":  genAlgo,
				"rsaBits":    genRSABits,
				"expireDays": genExpireDays,
				"passphrase": genPass,
			}
			b, _ := json.Marshal(payload)
			return cl.run("POST", "/v1/keyrings/"+args[0]+"/keys/generate", b)
		},
	}
	genCmd.Flags().StringVar(&genName, "name", "", "Nombre del user id")
	genCmd.Flags().StringVar(&genEmail, "email", "", "Email del user id (requerido)")
	genCmd.Flags().StringVar(&genAlgo, "algo", "", "Algoritmo: eddsa|rsa (default eddsa)")
	genCmd.Flags().IntVar(&genRSABits, "rsa-bits", 0, "Tamaño RSA (solo --algo rsa)")
	genCmd.Flags().IntVar(&genExpireDays, "expire-days", 0, "Expiración en días (0 = nunca)")
	genCmd.Flags().StringVar(&genPass, "passphrase", "", "Passphrase del material generado")
	keysCmd.AddCommand(genCmd)

	keysCmd.AddCommand(&cobra.Command{
		Use:   "export <keyring> <fingerprint>",
		Short: "Exporta la forma pública armored de una clave",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.run("GET", "/v1/keyrings/"+args[0]+"/keys/"+args[1], nil)
		},
	})

	var removeKind string
	removeCmd := &cobra.Command{
		Use:   "remove <keyring> <fingerprint>",
		Short: "Elimina una clave de la colección indicada",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.run("DELETE", "/v1/keyrings/"+args[0]+"/keys/"+args[1]+"?kind="+removeKind, nil)
		},
	}
	removeCmd.Flags().StringVar(&removeKind, "kind", "public", "Colección: public|private")
	keysCmd.AddCommand(removeCmd)

	// ===== primary =====
	primaryCmd := &cobra.Command{Use: "primary", Short: "Clave primaria del keyring"}
	primaryCmd.AddCommand(&cobra.Command{
		Use:   "get <keyring>",
		Short: "Muestra la primaria vigente",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.run("GET", "/v1/keyrings/"+args[0]+"/primary", nil)
		},
	})
	primaryCmd.AddCommand(&cobra.Command{
		Use:   "set <keyring> <fingerprint>",
		Short: "Fija la primaria explícitamente",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _ := json.Marshal(map[string]string{"fingerprint": args[1]})
			return cl.run("PUT", "/v1/keyrings/"+args[0]+"/primary", b)
		},
	})

	// ===== sync =====
	var syncPass string
	syncCmd := &cobra.Command{Use: "sync", Short: "Sincronización entre dispositivos"}
	msgCmd := &cobra.Command{
		Use:   "message <keyring>",
		Short: "Empaqueta los cambios pendientes en un mensaje cifrado",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, _ := json.Marshal(map[string]string{"passphrase": syncPass})
			return cl.run("POST", "/v1/keyrings/"+args[0]+"/sync/message", b)
		},
	}
	mergeCmd := &cobra.Command{
		Use:   "merge <keyring> <message-file|->",
		Short: "Aplica el mensaje de sync de otro dispositivo",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			armored, err := readArg(args[1])
			if err != nil {
				return err
			}
			b, _ := json.Marshal(map[string]string{"armored": armored, "passphrase": syncPass})
			return cl.run("POST", "/v1/keyrings/"+args[0]+"/sync/merge", b)
		},
	}
	syncCmd.PersistentFlags().StringVar(&syncPass, "passphrase", "", "Passphrase de la clave primaria")
	syncCmd.AddCommand(msgCmd, mergeCmd)

	// ===== revoked =====
	revokedCmd := &cobra.Command{Use: "revoked", Short: "Pseudo-revocación local"}
	revokedCmd.AddCommand(&cobra.Command{
		Use:   "list <keyring>",
		Short: "Lista los fingerprints pseudo-revocados",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.run("GET", "/v1/keyrings/"+args[0]+"/revoked", nil)
		},
	})
	revokedCmd.AddCommand(&cobra.Command{
		Use:   "add <keyring> <fingerprint>",
		Short: "Marca una clave como no confiable para cifrar",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.run("PUT", "/v1/keyrings/"+args[0]+"/revoked/"+args[1], nil)
		},
	})
	revokedCmd.AddCommand(&cobra.Command{
		Use:   "remove <keyring> <fingerprint>",
		Short: "Quita la marca de pseudo-revocación",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cl.run("DELETE", "/v1/keyrings/"+args[0]+"/revoked/"+args[1], nil)
		},
	})

	// ===== backup =====
	var backupFpr, backupPass, backupEmail string
	backupCmd := &cobra.Command{Use: "backup", Short: "Backup y restore de claves privadas"}
	bkCreate := &cobra.Command{
		Use:   "create <keyring>",
		Short: "Crea el blob de backup (el código se muestra UNA vez)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]string{
				"fingerprint": backupFpr,
				"passphrase":  backupPass,
				"email":       backupEmail,
			}
			b, _ := json.Marshal(payload)
			return cl.run("POST", "/v1/keyrings/"+args[0]+"/backup", b)
		},
	}
	bkCreate.Flags().StringVar(&backupFpr, "fingerprint", "", "Clave a respaldar (default: la primaria)")
	bkCreate.Flags().StringVar(&backupPass, "passphrase", "", "Passphrase actual de la clave")
	bkCreate.Flags().StringVar(&backupEmail, "email", "", "Mandar la hoja de recuperación a este mail")
	var restoreCode string
	bkRestore := &cobra.Command{
		Use:   "restore <keyring> <message-file|->",
		Short: "Restaura una clave desde un blob de backup",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if restoreCode == "" {
				return fmt.Errorf("--code es requerido")
			}
			message, err := readArg(args[1])
			if err != nil {
				return err
			}
			b, _ := json.Marshal(map[string]string{"message": message, "code": restoreCode})
			return cl.run("POST", "/v1/keyrings/"+args[0]+"/restore", b)
		},
	}
	bkRestore.Flags().StringVar(&restoreCode, "code", "", "Código de backup de 26 letras")
	backupCmd.AddCommand(bkCreate, bkRestore)

	root.AddCommand(keyringsCmd, keysCmd, primaryCmd, syncCmd, revokedCmd, backupCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
