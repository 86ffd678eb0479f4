package config

import "testing"

func TestStorageConfigSupportsDegradesReadCommitted(t *testing.T) {
	sc := StorageConfig{SupportedModes: TransactionModeReadOnly}
	if !sc.Supports(TransactionModeReadCommitted) {
		t.Error("expected ReadCommitted to degrade to supported ReadOnly")
	}
}

func TestStorageConfigSupportsRejectsUnadvertisedMode(t *testing.T) {
	sc := StorageConfig{SupportedModes: TransactionModeReadOnly}
	if sc.Supports(TransactionModeReadWrite) {
		t.Error("did not expect ReadWrite to be supported")
	}
}

func TestStorageConfigValidateRequiresName(t *testing.T) {
	sc := StorageConfig{Type: StorageTypePostgres}
	if err := sc.Validate(); err == nil {
		t.Fatal("expected an error for missing name")
	}
}

func TestStorageConfigValidateRequiresEndpointsForNetworkBackends(t *testing.T) {
	sc := StorageConfig{Name: "primary", Type: StorageTypePostgres}
	if err := sc.Validate(); err == nil {
		t.Fatal("expected an error for a postgres config with no endpoints")
	}
}

func TestStorageConfigValidateAllowsFileBackendWithoutEndpoints(t *testing.T) {
	sc := StorageConfig{Name: "local", Type: StorageTypeSqlLite}
	if err := sc.Validate(); err != nil {
		t.Fatalf("unexpected error for file-backed config: %v", err)
	}
}
