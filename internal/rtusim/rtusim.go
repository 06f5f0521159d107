// Package rtusim implements a small Modbus RTU-over-TCP inverter simulator:
// a register image served over the same framing the vendor's LAN datalogger
// sticks use. It backs the inverter-sim command and the transport tests.
package rtusim

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sigurn/crc16"

	"github.com/sundial-energy/go-sunwatch/internal/register"
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Modbus function and exception codes the simulator understands.
const (
	funcReadHolding = 0x03
	funcReadInput   = 0x04
	funcWriteSingle = 0x06

	excIllegalFunction    = 0x01
	excIllegalDataAddress = 0x02
)

// Device is a thread-safe register image for one simulated inverter.
type Device struct {
	mu      sync.RWMutex
	slaveID byte
	holding map[uint16]uint16
	input   map[uint16]uint16
}

// NewDevice creates an empty device with the given unit ID.
func NewDevice(slaveID byte) *Device {
	return &Device{
		slaveID: slaveID,
		holding: make(map[uint16]uint16),
		input:   make(map[uint16]uint16),
	}
}

// DeviceFromMap seeds a device with every register a family map defines,
// using the descriptor defaults. Callers layer realistic telemetry on top.
func DeviceFromMap(slaveID byte, m *register.Map) *Device {
	d := NewDevice(slaveID)
	for _, desc := range m.Descriptors(register.Holding) {
		d.holding[desc.Address] = desc.Default
	}
	for _, desc := range m.Descriptors(register.Input) {
		d.input[desc.Address] = desc.Default
	}
	return d
}

// SetHolding stores a holding register value.
func (d *Device) SetHolding(address, value uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.holding[address] = value
}

// SetInput stores an input register value.
func (d *Device) SetInput(address, value uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.input[address] = value
}

// Holding returns a holding register value.
func (d *Device) Holding(address uint16) (uint16, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.holding[address]
	return v, ok
}

func (d *Device) read(class register.Class, start, count uint16) ([]uint16, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	image := d.holding
	if class == register.Input {
		image = d.input
	}
	words := make([]uint16, count)
	for i := range words {
		v, ok := image[start+uint16(i)]
		if !ok {
			return nil, false
		}
		words[i] = v
	}
	return words, true
}

func (d *Device) write(address, value uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.holding[address]; !ok {
		return false
	}
	d.holding[address] = value
	return true
}

// Server accepts RTU-over-TCP connections and answers from a Device.
type Server struct {
	dev    *Device
	ln     net.Listener
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewServer wraps a device in a server.
func NewServer(dev *Device) *Server {
	return &Server{
		dev:    dev,
		logger: log.With().Str("component", "rtusim").Logger(),
	}
}

// Start begins listening. Use port 0 to pick a free port and Addr to read it.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Simulator listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serve(conn)
			}()
		}
	}()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop closes the listener and waits for in-flight connections.
func (s *Server) Stop() {
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	for {
		resp, err := s.handleRequest(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug().Err(err).Msg("Connection dropped")
			}
			return
		}
		if resp == nil {
			// Request for another station: stay silent, as on a bus.
			continue
		}
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

// handleRequest reads one 8-byte request ADU and builds the response. All
// function codes the simulator supports use fixed-size requests.
func (s *Server) handleRequest(conn net.Conn) ([]byte, error) {
	req := make([]byte, 8)
	if _, err := io.ReadFull(conn, req); err != nil {
		return nil, err
	}
	if !checkCRC(req) {
		return nil, errors.New("request CRC mismatch")
	}
	if req[0] != s.dev.slaveID {
		return nil, nil
	}

	fn := req[1]
	addr := binary.BigEndian.Uint16(req[2:4])
	arg := binary.BigEndian.Uint16(req[4:6])

	switch fn {
	case funcReadHolding, funcReadInput:
		class := register.Holding
		if fn == funcReadInput {
			class = register.Input
		}
		words, ok := s.dev.read(class, addr, arg)
		if !ok {
			return exception(s.dev.slaveID, fn, excIllegalDataAddress), nil
		}
		resp := make([]byte, 3, 3+len(words)*2+2)
		resp[0], resp[1], resp[2] = s.dev.slaveID, fn, byte(len(words)*2)
		for _, w := range words {
			resp = binary.BigEndian.AppendUint16(resp, w)
		}
		return appendCRC(resp), nil

	case funcWriteSingle:
		if !s.dev.write(addr, arg) {
			return exception(s.dev.slaveID, fn, excIllegalDataAddress), nil
		}
		// Echo the request, CRC included.
		resp := make([]byte, 8)
		copy(resp, req)
		return resp, nil

	default:
		return exception(s.dev.slaveID, fn, excIllegalFunction), nil
	}
}

func exception(slave, fn, code byte) []byte {
	return appendCRC([]byte{slave, fn | 0x80, code})
}

// appendCRC adds the Modbus CRC16, low byte first.
func appendCRC(frame []byte) []byte {
	crc := crc16.Checksum(frame, crcTable)
	return append(frame, byte(crc), byte(crc>>8))
}

func checkCRC(frame []byte) bool {
	payload := frame[:len(frame)-2]
	crc := crc16.Checksum(payload, crcTable)
	return frame[len(frame)-2] == byte(crc) && frame[len(frame)-1] == byte(crc>>8)
}
