package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"ocpp-gateway/internal/infra/config"
)

// runEncrypt prints the "enc:" form of the secret given as the first
// argument, or read from stdin when there is none.
func runEncrypt(args []string) error {
	passphrase := os.Getenv(config.KeyEnv)
	if passphrase == "" {
		return fmt.Errorf("%s is not set", config.KeyEnv)
	}

	secret, err := secretArg(args, os.Stdin)
	if err != nil {
		return err
	}
	enc, err := config.EncryptValue(secret, passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}

func secretArg(args []string, stdin io.Reader) (string, error) {
	for i := 0; i < len(args); i++ {
		switch a := args[i]; {
		case a == "--config":
			i++
		case !strings.HasPrefix(a, "-"):
			return a, nil
		}
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read secret: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("no secret given")
	}
	return line, nil
}
