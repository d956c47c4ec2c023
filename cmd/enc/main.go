// enc cifra un valor con la clave maestra de secretbox, para pegarlo en los
// campos *_enc de config.yaml.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	sec "github.com/dropDatabas3/ringkeeper/internal/security/secretbox"
)

func main() {
	_ = godotenv.Load(".env")
	if !sec.IsReady() {
		log.Fatal("RINGKEEPER_MASTER_KEY (o RINGKEEPER_MASTER_PASSWORD) not set")
	}
	var plain string
	if len(os.Args) > 1 {
		plain = os.Args[1]
	} else {
		plain = os.Getenv("ENC_VALUE")
	}
	if plain == "" {
		log.Fatal("usage: enc <value>  (o env ENC_VALUE)")
	}
	out, err := sec.Encrypt(plain)
	if err != nil {
		log.Fatalf("encrypt: %v", err)
	}
	fmt.Println(out)
}
