package email

import (
	"fmt"
	"html"
	"strings"
)

// SendBackupSheet compone y envía la hoja de recuperación de una clave.
// El cuerpo lleva el mensaje armored completo; el código de restauración
// se queda con el usuario, nunca entra acá.
func SendBackupSheet(s Sender, to, fingerprint, armoredMessage string) error {
	if s == nil {
		return fmt.Errorf("email: no sender configured")
	}
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("email: recipient address required")
	}
	subject := "Tu hoja de recuperación de clave"

	text := fmt.Sprintf(`Hoja de recuperación

Esta es la copia de seguridad de tu clave privada %s.
Guardá este mail: junto con tu código de restauración (que NO viaja por
mail) permite recuperar la clave en otra instalación.

%s
`, fingerprint, armoredMessage)

	htmlBody := fmt.Sprintf(`<p>Hoja de recuperación de la clave <code>%s</code>.</p>
<p>Guardá este mail: junto con tu código de restauración (que <b>no</b> viaja
por mail) permite recuperar la clave en otra instalación.</p>
<pre>%s</pre>
`, html.EscapeString(fingerprint), html.EscapeString(armoredMessage))

	return s.Send(to, subject, htmlBody, text)
}
