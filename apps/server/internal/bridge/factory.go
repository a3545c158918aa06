package bridge

import (
	"fmt"
	"os"
	"strings"
)

const (
	ModeEth = "eth"
	ModeSim = "sim"
)

func modeFromEnv() string {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("BRIDGE_MODE")))
	switch raw {
	case ModeEth, "chain":
		return ModeEth
	case ModeSim, "memory", "mem":
		return ModeSim
	case "":
		// No explicit mode: use the chain when an endpoint is configured.
		if strings.TrimSpace(os.Getenv("RPC_URL")) != "" {
			return ModeEth
		}
		return ModeSim
	default:
		return raw
	}
}

// NewServiceFromEnv builds the settlement bridge selected by BRIDGE_MODE.
func NewServiceFromEnv() (Service, string, error) {
	mode := modeFromEnv()
	switch mode {
	case ModeEth:
		svc, err := NewEthServiceFromEnv()
		if err != nil {
			return nil, mode, err
		}
		return svc, mode, nil
	case ModeSim:
		return NewMemoryService(), mode, nil
	default:
		return nil, mode, fmt.Errorf("invalid BRIDGE_MODE %q (supported: %s, %s)", mode, ModeEth, ModeSim)
	}
}
