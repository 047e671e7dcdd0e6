package main

import (
	"strconv"
	"strings"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"

	"calltrace/internal/config"
)

// override is a flag that replaces one configuration value, and only when
// it appears on the command line.
type override struct {
	name   string
	value  string
	set    bool
	isBool bool
	apply  func(*config.Config, string) error
}

func (o *override) Set(v string) error {
	o.value = v
	o.set = true
	return nil
}

func (o *override) String() string { return o.value }

// IsBoolFlag lets kingpin accept --random without a value.
func (o *override) IsBoolFlag() bool { return o.isBool }

func (a *arguments) flag(cli *kingpin.Application, name, help string, apply func(*config.Config, string) error) {
	o := &override{name: name, apply: apply}
	cli.Flag(name, help).SetValue(o)
	a.overrides = append(a.overrides, o)
}

func (a *arguments) boolFlag(cli *kingpin.Application, name, help string, apply func(*config.Config, string) error) {
	o := &override{name: name, isBool: true, apply: apply}
	cli.Flag(name, help).SetValue(o)
	a.overrides = append(a.overrides, o)
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

func parseDuration(s string) (time.Duration, error) {
	return time.ParseDuration(strings.TrimSpace(s))
}
