package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

var hostIDFiles = []string{"/etc/machine-id", "/sys/class/dmi/id/product_uuid"}

// deviceSerial returns the configured device id, falling back to the host's
// machine id. The serial keys the c8y_Serial external id.
func deviceSerial(configured string) string {
	if serial := strings.TrimSpace(configured); serial != "" {
		return serial
	}
	for _, path := range hostIDFiles {
		if id, err := readSystemFile(path); err == nil && id != "" {
			log.Debug().Str("source", path).Msg("device serial from host id")
			return id
		}
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return ""
}

func readSystemFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
