package adapter

import (
	"fmt"

	"github.com/joluben/iotdevsim-transmission/internal/metadatastore"
)

func errUnknownProtocol(p metadatastore.Protocol) error {
	return fmt.Errorf("adapter: unknown protocol %q", p)
}

func errUnhealthyAfterDial() error {
	return fmt.Errorf("adapter: handle reported unhealthy immediately after dial")
}
