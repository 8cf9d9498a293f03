// Command generate-secrets prints fresh JWT and message encryption secrets,
// or appends them to an env file with -append.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/digimarket/reservation-core/internal/utils"
)

func main() {
	appendTo := flag.String("append", "", "append the secrets to this env file instead of printing them")
	flag.Parse()

	logger := logrus.New()

	secrets, err := utils.GenerateServiceSecrets()
	if err != nil {
		logger.Fatalf("Failed to generate secrets: %v", err)
	}

	if *appendTo == "" {
		fmt.Print(secrets.DotEnv())
		fmt.Fprintln(os.Stderr, "JWT_SECRET must match the identity service that issues access tokens.")
		fmt.Fprintln(os.Stderr, "Rotating MESSAGE_ENCRYPTION_SECRET needs the old value kept in MESSAGE_ENCRYPTION_PREVIOUS_SECRETS.")
		return
	}

	f, err := os.OpenFile(*appendTo, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		logger.Fatalf("Failed to open %s: %v", *appendTo, err)
	}
	defer f.Close()

	if _, err := f.WriteString(secrets.DotEnv()); err != nil {
		logger.Fatalf("Failed to write %s: %v", *appendTo, err)
	}
	logger.WithField("file", *appendTo).Info("Secrets appended")
}
