package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	modbus "github.com/edgeo-scada/modbus-poll"
)

var (
	readAddr   uint16
	readCount  uint16
	readFormat string
)

var readCmd = &cobra.Command{
	Use:     "read",
	Aliases: []string{"r"},
	Short:   "Read data from a Modbus server",
	Long:    `Read coils, discrete inputs, holding registers, or input registers from a Modbus TCP server.`,
}

var readCoilsCmd = &cobra.Command{
	Use:     "coils",
	Aliases: []string{"c", "coil"},
	Short:   "Read coils (FC01)",
	Example: `  modbus-poll read coils -a 0 -c 10 -H 127.0.0.1 -p 1502
  modbus-poll r c -a 100 -c 8`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReadBits("Coils", modbus.FuncReadCoils)
	},
}

var readDiscreteInputsCmd = &cobra.Command{
	Use:     "discrete-inputs",
	Aliases: []string{"di", "discrete"},
	Short:   "Read discrete inputs (FC02)",
	Example: `  modbus-poll read discrete-inputs -a 0 -c 10
  modbus-poll r di -a 100 -c 8`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReadBits("Discrete Inputs", modbus.FuncReadDiscreteInputs)
	},
}

var readHoldingRegistersCmd = &cobra.Command{
	Use:     "holding-registers",
	Aliases: []string{"hr", "holding"},
	Short:   "Read holding registers (FC03)",
	Long: `Read holding registers using function code 03.

Supported formats for -f/--format flag:
  uint16  - Unsigned 16-bit integer (default)
  int16   - Signed 16-bit integer
  string  - ASCII string`,
	Example: `  modbus-poll read holding-registers -a 0 -c 10
  modbus-poll r hr -a 0 -c 20 -f string`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReadRegisters("Holding Registers", modbus.FuncReadHoldingRegisters)
	},
}

var readInputRegistersCmd = &cobra.Command{
	Use:     "input-registers",
	Aliases: []string{"ir", "input"},
	Short:   "Read input registers (FC04)",
	Example: `  modbus-poll read input-registers -a 0 -c 10
  modbus-poll r ir -a 100 -c 4 -f int16`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReadRegisters("Input Registers", modbus.FuncReadInputRegisters)
	},
}

func init() {
	readCmd.AddCommand(readCoilsCmd)
	readCmd.AddCommand(readDiscreteInputsCmd)
	readCmd.AddCommand(readHoldingRegistersCmd)
	readCmd.AddCommand(readInputRegistersCmd)

	for _, cmd := range []*cobra.Command{readCoilsCmd, readDiscreteInputsCmd, readHoldingRegistersCmd, readInputRegistersCmd} {
		cmd.Flags().Uint16VarP(&readAddr, "address", "a", 0, "Starting address")
		cmd.Flags().Uint16VarP(&readCount, "count", "c", 1, "Number of items to read")
	}

	readHoldingRegistersCmd.Flags().StringVarP(&readFormat, "format", "f", "uint16", "Data format: uint16, int16, string")
	readInputRegistersCmd.Flags().StringVarP(&readFormat, "format", "f", "uint16", "Data format: uint16, int16, string")
}

func newProbe() (*probe, error) {
	return dialProbe(getAddress(), modbus.UnitID(viper.GetUint("unit")), viper.GetDuration("timeout"))
}

func runReadBits(title string, fc modbus.FunctionCode) error {
	p, err := newProbe()
	if err != nil {
		return err
	}
	defer p.Close()

	values, err := p.readBits(fc, readAddr, readCount)
	if err != nil {
		return fmt.Errorf("read %s failed: %w", fc, err)
	}
	return outputBoolValues(title, readAddr, values)
}

func runReadRegisters(title string, fc modbus.FunctionCode) error {
	p, err := newProbe()
	if err != nil {
		return err
	}
	defer p.Close()

	values, err := p.readRegisters(fc, readAddr, readCount)
	if err != nil {
		return fmt.Errorf("read %s failed: %w", fc, err)
	}
	return outputRegisterValues(title, readAddr, values, readFormat)
}
