// Package config holds the immutable configuration surface for nvstorage:
// backend type enumerations, cluster endpoints, pool sizing and the
// top-level StorageConfig bundle, plus the YAML loader and hot-reload
// watcher used to populate them.
package config

// StorageType identifies the backend family a StorageServer / ConnectionPool
// is specialised for. The public API stays uniform across types.
type StorageType int

const (
	StorageTypeUnknown StorageType = iota
	StorageTypePostgres
	StorageTypeOracle
	StorageTypeMySql
	StorageTypeSqlLite
	StorageTypeRedis
	StorageTypeParquet
	StorageTypeNvXcel
)

func (t StorageType) String() string {
	switch t {
	case StorageTypePostgres:
		return "postgres"
	case StorageTypeOracle:
		return "oracle"
	case StorageTypeMySql:
		return "mysql"
	case StorageTypeSqlLite:
		return "sqlite"
	case StorageTypeRedis:
		return "redis"
	case StorageTypeParquet:
		return "parquet"
	case StorageTypeNvXcel:
		return "nvxcel"
	default:
		return "unknown"
	}
}

// ParseStorageType maps a config-file string to a StorageType.
func ParseStorageType(s string) StorageType {
	switch s {
	case "postgres":
		return StorageTypePostgres
	case "oracle":
		return StorageTypeOracle
	case "mysql":
		return StorageTypeMySql
	case "sqlite":
		return StorageTypeSqlLite
	case "redis":
		return StorageTypeRedis
	case "parquet":
		return StorageTypeParquet
	case "nvxcel":
		return StorageTypeNvXcel
	default:
		return StorageTypeUnknown
	}
}

// TransactionMode is a bitmask enumeration: a StorageConfig declares the
// modes a backend supports, and Begin() selects one of them.
type TransactionMode uint8

const (
	TransactionModeUnknown        TransactionMode = 0
	TransactionModeReadWrite      TransactionMode = 1 << 0
	TransactionModeReadCommitted  TransactionMode = 1 << 1
	TransactionModeReadOnly       TransactionMode = 1 << 2
	TransactionModeNonTransaction TransactionMode = 1 << 3
)

// Supports reports whether the mask contains mode.
func (m TransactionMode) Supports(mode TransactionMode) bool {
	return m&mode != 0
}

func (m TransactionMode) String() string {
	switch m {
	case TransactionModeReadWrite:
		return "read_write"
	case TransactionModeReadCommitted:
		return "read_committed"
	case TransactionModeReadOnly:
		return "read_only"
	case TransactionModeNonTransaction:
		return "non_transaction"
	default:
		return "unknown"
	}
}

// ParseTransactionMode maps a single config-file token to its bit.
func ParseTransactionMode(s string) TransactionMode {
	switch s {
	case "read_write":
		return TransactionModeReadWrite
	case "read_committed":
		return TransactionModeReadCommitted
	case "read_only":
		return TransactionModeReadOnly
	case "non_transaction":
		return TransactionModeNonTransaction
	default:
		return TransactionModeUnknown
	}
}

// ConnectionStandbyMode marks whether a connection counts toward the
// configured minimum (Primary) or is a surplus connection eligible for
// idle cleanup (Standby).
type ConnectionStandbyMode int

const (
	StandbyModeNone ConnectionStandbyMode = iota
	StandbyModePrimary
	StandbyModeStandby
)

func (m ConnectionStandbyMode) String() string {
	switch m {
	case StandbyModePrimary:
		return "primary"
	case StandbyModeStandby:
		return "standby"
	default:
		return "none"
	}
}

// ConnectionMode is informational: it shapes connection-string construction
// but does not otherwise affect behaviour.
type ConnectionMode int

const (
	ConnectionModeUnknown ConnectionMode = iota
	ConnectionModeServer
	ConnectionModeServerCluster
	ConnectionModeFile
)

func (m ConnectionMode) String() string {
	switch m {
	case ConnectionModeServer:
		return "server"
	case ConnectionModeServerCluster:
		return "server_cluster"
	case ConnectionModeFile:
		return "file"
	default:
		return "unknown"
	}
}

// ParseConnectionMode maps a config-file token to a ConnectionMode.
func ParseConnectionMode(s string) ConnectionMode {
	switch s {
	case "server":
		return ConnectionModeServer
	case "server_cluster":
		return ConnectionModeServerCluster
	case "file":
		return ConnectionModeFile
	default:
		return ConnectionModeUnknown
	}
}
