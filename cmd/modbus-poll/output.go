package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
)

// Color codes
const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorBold  = "\033[1m"
)

func color(c, s string) string {
	if noColor {
		return s
	}
	return c + s + colorReset
}

func outputSuccess(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(color(colorGreen, "OK") + " " + msg)
}

type BoolResult struct {
	Address uint16 `json:"address"`
	Value   bool   `json:"value"`
}

type RegisterResult struct {
	Address uint16      `json:"address"`
	Raw     uint16      `json:"raw"`
	Hex     string      `json:"hex"`
	Value   interface{} `json:"value,omitempty"`
}

func outputBoolValues(title string, startAddr uint16, values []bool) error {
	switch outputFmt {
	case "json":
		results := make([]BoolResult, len(values))
		for i, v := range values {
			results[i] = BoolResult{Address: startAddr + uint16(i), Value: v}
		}
		return outputJSON(results)
	case "csv":
		w := csv.NewWriter(os.Stdout)
		w.Write([]string{"address", "value"})
		for i, v := range values {
			w.Write([]string{strconv.Itoa(int(startAddr) + i), bit(v)})
		}
		w.Flush()
		return w.Error()
	case "raw":
		var sb strings.Builder
		for _, v := range values {
			sb.WriteString(bit(v))
		}
		fmt.Println(sb.String())
		return nil
	case "hex":
		packed := make([]byte, (len(values)+7)/8)
		for i, v := range values {
			if v {
				packed[i/8] |= 1 << (i % 8)
			}
		}
		fmt.Printf("% X\n", packed)
		return nil
	default:
		printTitle(title, startAddr, len(values), 40)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ADDRESS\tVALUE\tSTATUS")
		fmt.Fprintln(w, "-------\t-----\t------")
		for i, v := range values {
			status := color(colorRed, "OFF")
			if v {
				status = color(colorGreen, "ON")
			}
			fmt.Fprintf(w, "%d\t%s\t%s\n", startAddr+uint16(i), bit(v), status)
		}
		w.Flush()
		fmt.Println()
		return nil
	}
}

func outputRegisterValues(title string, startAddr uint16, values []uint16, format string) error {
	switch outputFmt {
	case "json":
		results := make([]RegisterResult, len(values))
		for i, v := range values {
			results[i] = RegisterResult{
				Address: startAddr + uint16(i),
				Raw:     v,
				Hex:     fmt.Sprintf("0x%04X", v),
				Value:   registerValue(v, format),
			}
		}
		return outputJSON(results)
	case "csv":
		w := csv.NewWriter(os.Stdout)
		w.Write([]string{"address", "raw", "hex", "value"})
		for i, v := range values {
			w.Write([]string{
				strconv.Itoa(int(startAddr) + i),
				strconv.Itoa(int(v)),
				fmt.Sprintf("0x%04X", v),
				fmt.Sprint(registerValue(v, format)),
			})
		}
		w.Flush()
		return w.Error()
	case "raw":
		for _, v := range values {
			fmt.Printf("%d\n", v)
		}
		return nil
	case "hex":
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = fmt.Sprintf("%04X", v)
		}
		fmt.Println(strings.Join(parts, " "))
		return nil
	}

	printTitle(title, startAddr, len(values), 60)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	switch format {
	case "string":
		fmt.Fprintln(w, "STRING VALUE:")
		var sb strings.Builder
		for _, v := range values {
			sb.WriteByte(byte(v >> 8))
			sb.WriteByte(byte(v & 0xFF))
		}
		fmt.Fprintln(w, strings.TrimRight(sb.String(), "\x00"))
	case "int16":
		fmt.Fprintln(w, "ADDRESS\tDECIMAL\tHEX")
		fmt.Fprintln(w, "-------\t-------\t---")
		for i, v := range values {
			fmt.Fprintf(w, "%d\t%d\t0x%04X\n", startAddr+uint16(i), int16(v), v)
		}
	default:
		fmt.Fprintln(w, "ADDRESS\tDECIMAL\tHEX\tBINARY")
		fmt.Fprintln(w, "-------\t-------\t---\t------")
		for i, v := range values {
			fmt.Fprintf(w, "%d\t%d\t0x%04X\t%016b\n", startAddr+uint16(i), v, v, v)
		}
	}
	w.Flush()
	fmt.Println()
	return nil
}

func printTitle(title string, startAddr uint16, count, width int) {
	fmt.Printf("\n%s (Address %d-%d, Count: %d)\n",
		color(colorBold, title),
		startAddr,
		int(startAddr)+count-1,
		count)
	fmt.Println(strings.Repeat("-", width))
}

func registerValue(v uint16, format string) interface{} {
	if format == "int16" {
		return int16(v)
	}
	return v
}

func bit(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
