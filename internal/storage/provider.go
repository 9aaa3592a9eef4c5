package storage

import "github.com/tokejepsen/mayasequence/internal/ports"

// Provider is the storage contract used by the harness and the status API.
// It is an alias to ports.StorageProvider to keep call-sites simple.
type Provider = ports.StorageProvider
