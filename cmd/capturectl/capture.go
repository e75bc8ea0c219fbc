package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/capturekit/pkg/capturekit"
	"github.com/randalmurphal/capturekit/pkg/capturekit/event"
)

func newCaptureCmd(flags *globalFlags) *cobra.Command {
	var (
		props      []string
		distinctID string
	)

	cmd := &cobra.Command{
		Use:   "capture <event>",
		Short: "Send a single event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			properties, err := parseProps(props)
			if err != nil {
				return err
			}

			s, err := flags.open()
			if err != nil {
				return err
			}
			if distinctID != "" {
				s.client.Identify(distinctID, nil, nil)
			}
			env := s.client.Capture(args[0], properties, capturekit.SendInstantly())
			if err := s.close(); err != nil {
				return err
			}
			if env == nil {
				return fmt.Errorf("event %q was not captured", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), env.UUID)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&props, "prop", nil, "event property as key=value (repeatable)")
	cmd.Flags().StringVar(&distinctID, "distinct-id", "", "identify as this user first")
	return cmd
}

// parseProps turns key=value pairs into properties. Values that parse as
// numbers or booleans keep that type.
func parseProps(pairs []string) (event.Properties, error) {
	props := make(event.Properties, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("property %q: want key=value", pair)
		}
		props[key] = parseValue(value)
	}
	return props, nil
}

func parseValue(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
