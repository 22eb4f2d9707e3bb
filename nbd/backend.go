package nbd

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/net/context"
)

// Backend is an interface implemented by the various backend drivers
type Backend interface {
	WriteAt(ctx context.Context, b []byte, offset int64, fua bool) (int, error) // write data b at offset, with force unit access optional
	ReadAt(ctx context.Context, b []byte, offset int64) (int, error)            // read to b at offset
	TrimAt(ctx context.Context, length int, offset int64) (int, error)          // trim
	Flush(ctx context.Context) error                                            // flush
	Close(ctx context.Context) error                                            // close
	Geometry(ctx context.Context) (uint64, uint64, uint64, error)               // size, minimum BS, maximum request length
}

// BackendGenFn makes backends from config
type BackendGenFn func(ctx context.Context, e *ExportConfig) (Backend, error)

// BackendMap is a map between backends and the generator function for them
var BackendMap = make(map[string]BackendGenFn)

// RegisterBackend should be called to register a backend with the server
func RegisterBackend(name string, generator BackendGenFn) {
	BackendMap[strings.ToLower(name)] = generator
}

// GetBackendNames returns a list of all known Backends
func GetBackendNames() []string {
	b := make([]string, 0, len(BackendMap))
	for k := range BackendMap {
		b = append(b, k)
	}
	sort.Strings(b)
	return b
}

// NewBackend makes the backend named by the export config
func NewBackend(ctx context.Context, ec *ExportConfig) (Backend, error) {
	gen, ok := BackendMap[ec.driverName()]
	if !ok {
		return nil, errors.Newf("no such driver %q", ec.Driver)
	}
	return gen(ctx, ec)
}
