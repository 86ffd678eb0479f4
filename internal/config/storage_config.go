package config

// StorageConfig bundles everything a StorageServer needs to stand up a
// ConnectionPool for one named backend: its cluster endpoints, pool
// sizing, and the transaction modes it advertises as supported.
type StorageConfig struct {
	Name              string
	Type              StorageType
	Mode              ConnectionMode
	Endpoints         ClusterEndpointList
	Pool              ConnectionPoolConfig
	SupportedModes    TransactionMode
	DefaultModeOnOpen TransactionMode
}

// EffectivePool returns the pool config with package defaults applied.
func (s StorageConfig) EffectivePool() ConnectionPoolConfig {
	return s.Pool.ApplyDefaults()
}

// Supports reports whether the backend advertises support for mode.
// ReadCommitted degrades to ReadOnly when a backend declares ReadOnly but
// not ReadCommitted support, matching the transaction façade's own
// degrade rule.
func (s StorageConfig) Supports(mode TransactionMode) bool {
	if s.SupportedModes.Supports(mode) {
		return true
	}
	if mode == TransactionModeReadCommitted {
		return s.SupportedModes.Supports(TransactionModeReadOnly)
	}
	return false
}

// Validate checks internal consistency of the config.
func (s StorageConfig) Validate() error {
	if s.Name == "" {
		return &poolConfigError{"storage config must have a name"}
	}
	if s.Type == StorageTypeUnknown {
		return &poolConfigError{"storage config " + s.Name + " has unknown type"}
	}
	if !s.Type.IsFile() && s.Endpoints.Len() == 0 {
		return &poolConfigError{"storage config " + s.Name + " has no cluster endpoints"}
	}
	return s.EffectivePool().Validate()
}

// IsFile reports whether t addresses a filesystem path rather than a
// network endpoint.
func (t StorageType) IsFile() bool {
	return t == StorageTypeSqlLite || t == StorageTypeParquet
}
