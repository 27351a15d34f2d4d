package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// Operation is a calculator request
type Operation struct {
	Op string `json:"op" msgpack:"op"`
	A  int64  `json:"a" msgpack:"a"`
	B  int64  `json:"b" msgpack:"b"`
}

var (
	errDivisionByZero   = errors.New("division by zero")
	errUnknownOperation = errors.New("unknown operation")
)

// Calculate answers add, sub, mul and div
func Calculate(_ context.Context, op Operation) (int64, error) {
	switch op.Op {
	case "add":
		return op.A + op.B, nil
	case "sub":
		return op.A - op.B, nil
	case "mul":
		return op.A * op.B, nil
	case "div":
		if op.B == 0 {
			return 0, errDivisionByZero
		}
		return op.A / op.B, nil
	default:
		return 0, fmt.Errorf("%w %q", errUnknownOperation, op.Op)
	}
}

func parseOperation(args []string) (Operation, error) {
	a, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return Operation{}, fmt.Errorf("invalid operand %q: %w", args[1], err)
	}
	b, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return Operation{}, fmt.Errorf("invalid operand %q: %w", args[2], err)
	}
	return Operation{Op: args[0], A: a, B: b}, nil
}
