// Package bms mirrors applied HVAC actions to a building management gateway
// over Modbus TCP. Each zone owns one holding register starting at a base
// address, in topology order, holding the action in per-mille (0..1000).
package bms

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/devskill-org/hvac-mpc/building"
	"github.com/devskill-org/hvac-mpc/mpc"
	"github.com/goburrow/modbus"
)

// Gateway defaults
const (
	DefaultSlaveID      = 1
	DefaultRegisterBase = 40100
	SetpointScale       = 1000
)

// registerClient is the subset of modbus.Client used by the gateway
type registerClient interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
}

// Gateway writes per-zone HVAC setpoints to holding registers
type Gateway struct {
	mu           sync.Mutex
	client       registerClient
	tcpHandler   *modbus.TCPClientHandler
	registerBase uint16
	zones        []building.Zone
}

// NewTCPGateway connects to a Modbus TCP gateway
func NewTCPGateway(address string, slaveID byte, registerBase uint16, zones []building.Zone) (*Gateway, error) {
	handler := modbus.NewTCPClientHandler(address)
	handler.SlaveId = slaveID
	handler.Timeout = 1 * time.Second

	err := handler.Connect()
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %v", err)
	}

	g := newGateway(modbus.NewClient(handler), registerBase, zones)
	g.tcpHandler = handler
	return g, nil
}

func newGateway(client registerClient, registerBase uint16, zones []building.Zone) *Gateway {
	return &Gateway{
		client:       client,
		registerBase: registerBase,
		zones:        append([]building.Zone(nil), zones...),
	}
}

// Close closes the Modbus connection
func (g *Gateway) Close() error {
	if g.tcpHandler != nil {
		return g.tcpHandler.Close()
	}
	return nil
}

// Register returns the holding register address of a zone
func (g *Gateway) Register(zone building.Zone) (uint16, bool) {
	for i, z := range g.zones {
		if z == zone {
			return g.registerBase + uint16(i), true
		}
	}
	return 0, false
}

// WriteActions writes all zone actions in one request. Actions are keyed
// hvac_<zone>; every configured zone must be present.
func (g *Gateway) WriteActions(ctx context.Context, actions map[string]float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload := make([]byte, 0, 2*len(g.zones))
	for _, z := range g.zones {
		key := mpc.ActionKey(z)
		v, ok := actions[key]
		if !ok {
			return fmt.Errorf("missing action %s", key)
		}
		reg, err := EncodeSetpoint(v)
		if err != nil {
			return fmt.Errorf("action %s: %w", key, err)
		}
		payload = append(payload, u16ToBytes(reg)...)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := g.client.WriteMultipleRegisters(g.registerBase, uint16(len(g.zones)), payload); err != nil {
		return fmt.Errorf("failed to write setpoints at %d: %w", g.registerBase, err)
	}
	return nil
}

// ReadActions reads back the setpoints currently held by the gateway
func (g *Gateway) ReadActions(ctx context.Context) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	data, err := g.client.ReadHoldingRegisters(g.registerBase, uint16(len(g.zones)))
	g.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to read setpoints at %d: %w", g.registerBase, err)
	}
	if len(data) < 2*len(g.zones) {
		return nil, fmt.Errorf("short register read: got %d bytes, want %d", len(data), 2*len(g.zones))
	}

	actions := make(map[string]float64, len(g.zones))
	for i, z := range g.zones {
		actions[mpc.ActionKey(z)] = DecodeSetpoint(bytesToU16(data[2*i:]))
	}
	return actions, nil
}

// EncodeSetpoint converts an action in [0, 1] to its register value
func EncodeSetpoint(v float64) (uint16, error) {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return 0, fmt.Errorf("setpoint must be in [0, 1], got: %f", v)
	}
	return uint16(math.Round(v * SetpointScale)), nil
}

// DecodeSetpoint converts a register value back to an action
func DecodeSetpoint(reg uint16) float64 {
	return float64(reg) / SetpointScale
}

func bytesToU16(data []byte) uint16 {
	return binary.BigEndian.Uint16(data)
}

func u16ToBytes(val uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, val)
	return buf
}
