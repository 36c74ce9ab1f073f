// Package ops holds the Agent-side operation handlers reachable over C1.
// The three reserved operations (ping, echo, get_info) are mandated by
// spec.md §6; concrete hardware operations (GPIO/I2C/camera/systemctl
// wrappers) are out of scope per spec.md §1 and are represented here only
// as an interface a real Agent build would implement and register.
package ops

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/torvus/raspictl/internal/ctlerr"
	"github.com/torvus/raspictl/internal/ipc"
)

// Info identifies the running Agent build, echoed by get_info.
type Info struct {
	Name    string
	Version string
}

// Register wires the three reserved operations into srv.
func Register(srv *ipc.Server, info Info, logger *zap.Logger) {
	srv.Handle("ping", pingHandler)
	srv.Handle("echo", echoHandler)
	srv.Handle("get_info", getInfoHandler(info))
}

func pingHandler(ctx context.Context, params json.RawMessage) (any, *ctlerr.Error) {
	return map[string]any{"pong": true}, nil
}

type echoParams struct {
	Message any `json:"message"`
}

func echoHandler(ctx context.Context, params json.RawMessage) (any, *ctlerr.Error) {
	var p echoParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, ctlerr.New(ctlerr.InvalidArgument, "echo: params must be a JSON object", map[string]any{"parse_error": err.Error()})
		}
	}
	return map[string]any{"echo": p.Message}, nil
}

func getInfoHandler(info Info) ipc.OperationHandler {
	return func(ctx context.Context, params json.RawMessage) (any, *ctlerr.Error) {
		return map[string]any{
			"name":    info.Name,
			"version": info.Version,
			"status":  "running",
		}, nil
	}
}

// HardwareOperations is the interface a real Agent build implements to
// expose device-specific privileged operations to C1. No concrete
// implementation lives in this module: GPIO/I2C/camera/systemctl access
// is hardware-specific and named only at interface level by spec.md §1.
type HardwareOperations interface {
	// ReadPin returns the logical level of a GPIO pin.
	ReadPin(ctx context.Context, pin int) (bool, error)
	// WritePin sets the logical level of a GPIO pin.
	WritePin(ctx context.Context, pin int, high bool) error
	// RebootSystem requests an operating-system reboot.
	RebootSystem(ctx context.Context) error
	// ShutdownSystem requests an operating-system shutdown.
	ShutdownSystem(ctx context.Context) error
}

// RegisterHardware wires hw's operations into srv under the gpio.* and
// system.* namespaces used by the default RBAC table (internal/auth).
func RegisterHardware(srv *ipc.Server, hw HardwareOperations) {
	srv.Handle("gpio.read_pin", func(ctx context.Context, params json.RawMessage) (any, *ctlerr.Error) {
		var p struct {
			Pin int `json:"pin"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, ctlerr.New(ctlerr.InvalidArgument, "gpio.read_pin: invalid params", nil)
		}
		high, err := hw.ReadPin(ctx, p.Pin)
		if err != nil {
			return nil, ctlerr.New(ctlerr.Unavailable, err.Error(), map[string]any{"pin": p.Pin})
		}
		return map[string]any{"pin": p.Pin, "high": high}, nil
	})

	srv.Handle("gpio.write_pin", func(ctx context.Context, params json.RawMessage) (any, *ctlerr.Error) {
		var p struct {
			Pin  int  `json:"pin"`
			High bool `json:"high"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, ctlerr.New(ctlerr.InvalidArgument, "gpio.write_pin: invalid params", nil)
		}
		if err := hw.WritePin(ctx, p.Pin, p.High); err != nil {
			return nil, ctlerr.New(ctlerr.Unavailable, err.Error(), map[string]any{"pin": p.Pin})
		}
		return map[string]any{"pin": p.Pin, "high": p.High}, nil
	})

	srv.Handle("system.reboot", func(ctx context.Context, params json.RawMessage) (any, *ctlerr.Error) {
		if err := hw.RebootSystem(ctx); err != nil {
			return nil, ctlerr.New(ctlerr.Internal, err.Error(), nil)
		}
		return map[string]any{"rebooting": true}, nil
	})

	srv.Handle("system.shutdown", func(ctx context.Context, params json.RawMessage) (any, *ctlerr.Error) {
		if err := hw.ShutdownSystem(ctx); err != nil {
			return nil, ctlerr.New(ctlerr.Internal, err.Error(), nil)
		}
		return map[string]any{"shutting_down": true}, nil
	})
}
