package main

import (
	"context"
	"errors"
	"strings"

	"github.com/next-trace/scg-reply-bus/codec"
	cbus "github.com/next-trace/scg-reply-bus/contract/bus"
	"github.com/next-trace/scg-reply-bus/registry"
)

// Greeting returns a greeting for Name.
type Greeting struct {
	cbus.Returns[string]
	Name string `json:"name"`
}

// Sum adds its operands.
type Sum struct {
	cbus.Returns[int]
	Values []int `json:"values"`
}

// Upper upper-cases Text.
type Upper struct {
	cbus.Returns[string]
	Text string `json:"text"`
}

var errNameRequired = errors.New("name required")

// registerDemo wires the demo request types into the handler registry and the wire codec.
func registerDemo(reg *registry.Registry, cd *codec.Registry) error {
	return errors.Join(
		registry.RegisterFunc[Greeting, string](reg, func(_ context.Context, g Greeting) (string, error) {
			if g.Name == "" {
				return "", errNameRequired
			}

			return "Hello " + g.Name, nil
		}),
		registry.RegisterFunc[Sum, int](reg, func(_ context.Context, s Sum) (int, error) {
			total := 0
			for _, v := range s.Values {
				total += v
			}

			return total, nil
		}),
		registry.RegisterFunc[Upper, string](reg, func(_ context.Context, u Upper) (string, error) {
			return strings.ToUpper(u.Text), nil
		}),
		codec.Register[Greeting](cd, "greeting"),
		codec.Register[Sum](cd, "sum"),
		codec.Register[Upper](cd, "upper"),
	)
}
