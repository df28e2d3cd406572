package overlay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/cmdutil"
)

const iptablesTimeout = 10 * time.Second

// runIPTables executes an iptables command.
func runIPTables(args ...string) error {
	_, err := cmdutil.Run(context.Background(), iptablesTimeout, "iptables", args...)
	return err
}

// ensureRule appends a rule only if -C says it is absent, keeping bring-up
// idempotent across restarts.
func ensureRule(table string, rule []string) error {
	check := append([]string{}, rule...)
	check[0] = "-C"
	args := check
	if table != "" {
		args = append([]string{"-t", table}, check...)
	}
	if runIPTables(args...) == nil {
		return nil
	}
	args = rule
	if table != "" {
		args = append([]string{"-t", table}, rule...)
	}
	return runIPTables(args...)
}

// AllowForward accepts overlay traffic in both FORWARD directions.
func AllowForward(cidr string) error {
	if err := ensureRule("", []string{"-A", "FORWARD", "-s", cidr, "-j", "ACCEPT"}); err != nil {
		return fmt.Errorf("failed to allow forward from %s: %w", cidr, err)
	}
	if err := ensureRule("", []string{"-A", "FORWARD", "-d", cidr, "-j", "ACCEPT"}); err != nil {
		return fmt.Errorf("failed to allow forward to %s: %w", cidr, err)
	}
	return nil
}

// Masquerade NATs overlay traffic leaving for the internet on a runner.
func Masquerade(cidr string) error {
	if err := ensureRule("nat", []string{"-A", "POSTROUTING", "-s", cidr, "!", "-d", cidr, "-j", "MASQUERADE"}); err != nil {
		return fmt.Errorf("failed to masquerade %s: %w", cidr, err)
	}
	return nil
}

// TrustInterface adds the device to firewalld's trusted zone when firewalld
// is running; a missing firewalld is not an error.
func TrustInterface(device string) error {
	res, err := cmdutil.Run(context.Background(), iptablesTimeout, "firewall-cmd", "--state")
	if err != nil || strings.TrimSpace(res.Stdout) != "running" {
		return nil
	}
	_, err = cmdutil.Run(context.Background(), iptablesTimeout,
		"firewall-cmd", "--zone=trusted", "--add-interface="+device, "--permanent")
	if err != nil {
		return fmt.Errorf("failed to trust %s in firewalld: %w", device, err)
	}
	_, err = cmdutil.Run(context.Background(), iptablesTimeout, "firewall-cmd", "--reload")
	return err
}
