package switchyard

import (
	"fmt"
	"strings"

	"github.com/switchyard-net/switchyard/internal/backend"
	"github.com/switchyard-net/switchyard/internal/backend/etcdv3"
	"github.com/switchyard-net/switchyard/internal/backend/memory"
	"github.com/switchyard-net/switchyard/internal/clock"
)

// openStore builds the coordination backend from the Store URL.
func openStore(cfg Config, clk clock.Clock) (backend.Store, error) {
	url := strings.TrimSpace(cfg.Store)
	switch {
	case url == "" || url == "mem://" || url == "mem":
		return memory.NewWithConfig(memory.Config{Clock: clk}), nil
	case strings.HasPrefix(url, "etcd://"):
		endpoints := strings.Split(strings.TrimPrefix(url, "etcd://"), ",")
		for i := range endpoints {
			endpoints[i] = strings.TrimSpace(endpoints[i])
		}
		return etcdv3.New(etcdv3.Config{
			Endpoints: endpoints,
			Username:  cfg.EtcdUsername,
			Password:  cfg.EtcdPassword,
		})
	default:
		return nil, fmt.Errorf("unsupported store url %q (want mem:// or etcd://)", url)
	}
}
