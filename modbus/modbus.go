// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package modbus holds the protocol constants shared by the RTU engines
// and the surrounding transports.
package modbus

import "fmt"

// Addressing
const (
	BroadcastAddress = 0
	MinSlaveAddress  = 1
	MaxSlaveAddress  = 247
)

// Function Codes
const (
	FuncCodeReadHoldingRegisters  = 0x03
	FuncCodeReadInputRegisters    = 0x04
	FuncCodeDiagnostic            = 0x08
	FuncCodeWriteMultipleRegister = 0x10

	// Custom, outside the Modbus specification. Carried only when the
	// slave instance installs packet callbacks.
	FuncCodeReadDataPacket  = 0x64
	FuncCodeWriteDataPacket = 0x65
)

// Quantity limits
const (
	MaxReadRegisters  = 125
	MaxWriteRegisters = 123
	MaxPacketSize     = 251
)

// ExceptionFlag marks a response function code as an exception report.
const ExceptionFlag = 0x80

// Exception is a Modbus exception code. The zero value means "no exception"
// and is what register and packet callbacks return on success.
type Exception byte

const (
	ExceptionNone           Exception = 0x00
	ExceptionIllegalOpcode  Exception = 0x01
	ExceptionIllegalAddress Exception = 0x02
	ExceptionIllegalValue   Exception = 0x03
	ExceptionDeviceFault    Exception = 0x04
)

func (e Exception) Error() string {
	switch e {
	case ExceptionIllegalOpcode:
		return "modbus: illegal opcode"
	case ExceptionIllegalAddress:
		return "modbus: illegal data address"
	case ExceptionIllegalValue:
		return "modbus: illegal data value"
	case ExceptionDeviceFault:
		return "modbus: device fault"
	default:
		return fmt.Sprintf("modbus: exception 0x%02X", byte(e))
	}
}
