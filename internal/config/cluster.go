package config

import "fmt"

// ClusterEndpoint describes a single reachable node of a backend cluster
// (a lone host for most backends, one of several for a sharded/replicated
// one, or a filesystem path for file-backed stores like sqlite/parquet).
type ClusterEndpoint struct {
	Name     string
	Type     StorageType
	Host     string
	Port     int
	Database string
	Username string
	Password string
	FilePath string
	SslMode  string
	Options  map[string]string
}

// IsFileBased reports whether the endpoint addresses a filesystem path
// rather than a network host.
func (e ClusterEndpoint) IsFileBased() bool {
	return e.Type == StorageTypeSqlLite || e.Type == StorageTypeParquet
}

// ClusterEndpointList is an ordered set of endpoints that all share the
// same StorageType. A ConnectionPool dials round-robin across it.
type ClusterEndpointList struct {
	Type      StorageType
	Endpoints []ClusterEndpoint
}

// NewClusterEndpointList validates that every endpoint shares the given
// type before constructing the list.
func NewClusterEndpointList(t StorageType, endpoints []ClusterEndpoint) (ClusterEndpointList, error) {
	for i, ep := range endpoints {
		if ep.Type != t {
			return ClusterEndpointList{}, fmt.Errorf("nvstorage: config: endpoint %d (%s) has type %s, want %s",
				i, ep.Name, ep.Type, t)
		}
	}
	return ClusterEndpointList{Type: t, Endpoints: endpoints}, nil
}

// Add appends ep after checking its type matches the list.
func (l *ClusterEndpointList) Add(ep ClusterEndpoint) error {
	if ep.Type != l.Type {
		return fmt.Errorf("nvstorage: config: cannot add %s endpoint to a %s cluster", ep.Type, l.Type)
	}
	l.Endpoints = append(l.Endpoints, ep)
	return nil
}

// Len reports the number of endpoints in the list.
func (l ClusterEndpointList) Len() int {
	return len(l.Endpoints)
}

// At returns the endpoint at the given index, wrapping modulo Len for
// round-robin selection. Panics if the list is empty.
func (l ClusterEndpointList) At(i int) ClusterEndpoint {
	n := len(l.Endpoints)
	if n == 0 {
		panic("nvstorage: config: empty cluster endpoint list")
	}
	return l.Endpoints[((i%n)+n)%n]
}
