package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	modbus "github.com/edgeo-scada/modbus-poll"
)

// seedRegisters loads initial register and coil values from the config.
// Each section maps an address to a value.
func seedRegisters(v *viper.Viper, mem *modbus.MemoryContext) error {
	registers := []struct {
		key    string
		region modbus.Region
		set    func(addr, value uint16)
	}{
		{"registers.holding", modbus.RegionHoldingRegisters, mem.SetHoldingRegister},
		{"registers.input", modbus.RegionInputRegisters, mem.SetInputRegister},
	}
	for _, r := range registers {
		for key, raw := range v.GetStringMap(r.key) {
			addr, err := parseAddress(mem, r.region, key)
			if err != nil {
				return fmt.Errorf("%s: %w", r.key, err)
			}
			value, err := cast.ToUint16E(raw)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", r.key, key, err)
			}
			r.set(addr, value)
		}
	}

	bits := []struct {
		key    string
		region modbus.Region
		set    func(addr uint16, value bool)
	}{
		{"coils", modbus.RegionCoils, mem.SetCoil},
		{"discrete_inputs", modbus.RegionDiscreteInputs, mem.SetDiscreteInput},
	}
	for _, b := range bits {
		for key, raw := range v.GetStringMap(b.key) {
			addr, err := parseAddress(mem, b.region, key)
			if err != nil {
				return fmt.Errorf("%s: %w", b.key, err)
			}
			value, err := cast.ToBoolE(raw)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", b.key, key, err)
			}
			b.set(addr, value)
		}
	}
	return nil
}

func parseAddress(mem *modbus.MemoryContext, region modbus.Region, key string) (uint16, error) {
	addr, err := strconv.ParseUint(key, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", key, err)
	}
	if int(addr) >= mem.Size(region) {
		return 0, fmt.Errorf("address %d outside %s (size %d)", addr, region, mem.Size(region))
	}
	return uint16(addr), nil
}
