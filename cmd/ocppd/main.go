package main

import (
	"fmt"
	"os"
	"strings"

	"ocpp-gateway/internal/adapter/gateway"
)

// version is set at link time: -ldflags "-X main.version=v1.2.3".
var version = "dev"

func main() {
	gateway.Version = version

	cmd := "serve"
	if len(os.Args) >= 2 && !strings.HasPrefix(os.Args[1], "-") {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "--help", "-h", "help":
		showUsage()
		return
	case "version":
		fmt.Println("ocppd", version)
		return
	case "serve":
		err = runServe()
	case "chargepoint":
		err = runChargePoint()
	case "encrypt":
		err = runEncrypt(os.Args[2:])
	case "doctor":
		err = runDoctor()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'ocppd --help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`ocppd - OCPP-J 1.6 central system gateway

USAGE:
    ocppd [COMMAND] [FLAGS]

COMMANDS:
    serve         Run the central system (default)
    chargepoint   Run a simulated charge point against a central system
    encrypt       Encrypt a secret for use as an "enc:" config value
                  (reads the passphrase from OCPP_CONFIG_KEY)
    doctor        Check the configuration and environment
    version       Print the version

FLAGS:
    -h, --help       Show this help message
    --config PATH    Config file path (default: ./ocppd.yaml)

CONFIGURATION:
    Config file: ./ocppd.yaml
    Environment: OCPP_* variables override config

EXAMPLES:
    ocppd                                   # serve on :9220/ocpp/
    ocppd serve --config /etc/ocppd.yaml
    OCPP_CHARGEPOINT_IDENTITY=CP001 \
    OCPP_CHARGEPOINT_URL=ws://localhost:9220/ocpp/ ocppd chargepoint
    OCPP_CONFIG_KEY=... ocppd encrypt s3cret`)
}

// configPath returns the --config flag value or the default path.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if v, ok := strings.CutPrefix(arg, "--config="); ok {
			return v
		}
	}
	if v := os.Getenv("OCPP_CONFIG"); v != "" {
		return v
	}
	return "./ocppd.yaml"
}
