package main

import (
	"fmt"
	"net"
	"time"

	modbus "github.com/edgeo-scada/modbus-poll"
)

// probe is a minimal one-request-at-a-time Modbus TCP client used by the
// read and write commands.
type probe struct {
	conn    net.Conn
	unit    modbus.UnitID
	timeout time.Duration
	txIDs   modbus.TransactionIDGenerator
}

func dialProbe(addr string, unit modbus.UnitID, timeout time.Duration) (*probe, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	return &probe{conn: conn, unit: unit, timeout: timeout}, nil
}

func (p *probe) Close() error {
	return p.conn.Close()
}

// roundTrip sends pdu and returns the response PDU. Exception responses
// are returned as *modbus.ModbusError.
func (p *probe) roundTrip(pdu []byte) ([]byte, error) {
	if err := p.conn.SetDeadline(time.Now().Add(p.timeout)); err != nil {
		return nil, err
	}

	req := &modbus.Frame{
		Header: modbus.MBAPHeader{
			TransactionID: p.txIDs.Next(),
			ProtocolID:    modbus.ProtocolID,
			Length:        uint16(len(pdu) + 1),
			UnitID:        p.unit,
		},
		PDU: pdu,
	}
	logger.Debug("sending request", "tx_id", req.Header.TransactionID, "pdu", fmt.Sprintf("% X", pdu))
	if _, err := p.conn.Write(req.Encode()); err != nil {
		return nil, fmt.Errorf("send failed: %w", err)
	}

	resp, err := modbus.ReadFrame(p.conn)
	if err != nil {
		return nil, fmt.Errorf("receive failed: %w", err)
	}
	if resp.Header.TransactionID != req.Header.TransactionID {
		return nil, fmt.Errorf("%w: transaction ID %d, expected %d",
			modbus.ErrInvalidResponse, resp.Header.TransactionID, req.Header.TransactionID)
	}
	if modbus.IsExceptionResponse(resp.PDU) {
		if merr := modbus.ParseExceptionResponse(resp.PDU); merr != nil {
			return nil, merr
		}
		return nil, modbus.ErrInvalidResponse
	}
	if len(resp.PDU) == 0 || modbus.FunctionCode(resp.PDU[0]) != modbus.FunctionCode(pdu[0]) {
		return nil, modbus.ErrInvalidResponse
	}
	return resp.PDU, nil
}

func (p *probe) readBits(fc modbus.FunctionCode, addr, qty uint16) ([]bool, error) {
	pdu, err := modbus.BuildReadPDU(fc, addr, qty)
	if err != nil {
		return nil, err
	}
	resp, err := p.roundTrip(pdu)
	if err != nil {
		return nil, err
	}
	return modbus.ParseCoilsResponse(resp, qty)
}

func (p *probe) readRegisters(fc modbus.FunctionCode, addr, qty uint16) ([]uint16, error) {
	pdu, err := modbus.BuildReadPDU(fc, addr, qty)
	if err != nil {
		return nil, err
	}
	resp, err := p.roundTrip(pdu)
	if err != nil {
		return nil, err
	}
	return modbus.ParseRegistersResponse(resp, qty)
}
