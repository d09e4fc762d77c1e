// Copyright (C) 2025 Canmi

package setup

import (
	"fmt"
	"os"
	"path/filepath"
)

const defaultConfig = `# anchr daemon configuration

listen = "0.0.0.0:4433"

[trust]
certificate = "%s"
private_key = "%s"
# SHA-256 fingerprints of trusted client certificates, hex, colons
# optional. An empty list means nobody can connect.
peers = []

[limits]
max_streams = 64
max_inflight = 33554432
queue_depth = 128

[keepalive]
interval = 5
timeout = 30

[admin]
socket = "/run/anchr/admin.sock"

# One [[partition]] block per exported partition.
# [[partition]]
# id = "sdb1"
# path = "/dev/sdb1"
# read_only = false
# base and size select a byte extent; zero means the whole device.
# base = 0
# size = 0

[log]
level = 1
pretty = true
`

// WriteDefaultConfig creates a starter configuration next to a freshly
// generated certificate pair. Refuses to overwrite an existing config
// so a typo cannot destroy a running deployment's settings.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("setup: %s already exists", path)
	}

	dir := filepath.Dir(path)
	certPath := filepath.Join(dir, "anchr.crt")
	keyPath := filepath.Join(dir, "anchr.key")

	if err := GenerateCertificate(certPath, keyPath, nil); err != nil {
		return err
	}

	return os.WriteFile(path, []byte(fmt.Sprintf(defaultConfig, certPath, keyPath)), 0o644)
}
