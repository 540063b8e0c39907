package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"

	"github.com/battlab/benchd/acquire"
	"github.com/battlab/benchd/device"
	"github.com/battlab/benchd/sequence"
)

// spinner shows progress for a one-shot test on the terminal.
func spinner(suffix string) (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[59],
		Suffix:          " " + suffix,
		SuffixAutoColon: true,
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
		StopFailMessage: "failed",
	})
}

// oneShotSession connects the named device for the duration of fn.
func oneShotSession(name string, fn func(*device.Session) error) error {
	log := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dc, err := cfg.Device(name)
	if err != nil {
		return err
	}
	s, err := dc.session(log)
	if err != nil {
		return err
	}
	defer func() {
		if derr := s.Disconnect(); derr != nil {
			log.WithError(derr).Warnf("disconnect %s failed", name)
		}
	}()
	return fn(s)
}

func newPulseCommand() *cobra.Command {
	var (
		deviceName string
		pulses     int
		pulseSec   float64
		restSec    float64
		iPulse     float64
	)
	cmd := &cobra.Command{
		Use:   "pulse",
		Short: "Run a pulse discharge test against the battery simulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return oneShotSession(deviceName, func(s *device.Session) error {
				spin, err := spinner(fmt.Sprintf("pulse test, %d pulses", pulses))
				if err != nil {
					return err
				}
				spin.Start()
				r := &sequence.PulseRunner{
					S:      s,
					Policy: acquire.DefaultPolicy(),
					OutDir: cfg.OutDir,
				}
				pulsePath, restPath, err := r.Run(sequence.PulseParams{
					Pulses:    pulses,
					PulseTime: time.Duration(pulseSec * float64(time.Second)),
					RestTime:  time.Duration(restSec * float64(time.Second)),
					IPulse:    iPulse,
				})
				if err != nil {
					spin.StopFail()
					return err
				}
				spin.Stop()
				fmt.Printf("pulse data: %s\nrest data:  %s\n", pulsePath, restPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&deviceName, "device", "d", "keithley", "config name of the battery simulator")
	cmd.Flags().IntVarP(&pulses, "pulses", "n", 5, "number of pulse/rest cycles (1-100)")
	cmd.Flags().Float64Var(&pulseSec, "pulse-time", 60, "pulse duration in seconds (1-300)")
	cmd.Flags().Float64Var(&restSec, "rest-time", 60, "rest duration in seconds (1-300)")
	cmd.Flags().Float64VarP(&iPulse, "current", "i", 1.0, "pulse current in amps")
	return cmd
}

func newProfileCommand() *cobra.Command {
	var deviceName string
	cmd := &cobra.Command{
		Use:   "profile <profile.csv>",
		Short: "Execute a time_s,current_a profile with automatic mode switching",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			segments, err := sequence.LoadProfile(args[0])
			if err != nil {
				return err
			}
			return oneShotSession(deviceName, func(s *device.Session) error {
				spin, err := spinner(fmt.Sprintf("profile, %d segments", len(segments)))
				if err != nil {
					return err
				}
				spin.Start()
				r := &sequence.ProfileRunner{
					S:      s,
					Policy: acquire.DefaultPolicy(),
					OutDir: cfg.OutDir,
				}
				logPath, err := r.Run(segments)
				if err != nil {
					spin.StopFail()
					return err
				}
				spin.Stop()
				fmt.Printf("test log: %s\n", logPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&deviceName, "device", "d", "keithley", "config name of the battery simulator")
	return cmd
}

func newModelCommand() *cobra.Command {
	var (
		deviceName string
		params     = sequence.ModelParams{
			DischargeVoltage:    3.0,
			DischargeCurrentEnd: 0.4,
			ChargeVFull:         4.2,
			ChargeILimit:        1.0,
			ESRIntervalSec:      30,
			ModelSlot:           4,
			VMin:                2.5,
			VMax:                4.2,
			ExportCSV:           true,
		}
	)
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Characterize a battery into an instrument model slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return oneShotSession(deviceName, func(s *device.Session) error {
				spin, err := spinner(fmt.Sprintf("model characterization, slot %d", params.ModelSlot))
				if err != nil {
					return err
				}
				spin.Start()
				r := &sequence.ModelRunner{S: s, OutDir: cfg.OutDir}
				res, err := r.Run(params)
				if err != nil {
					spin.StopFail()
					return err
				}
				spin.Stop()
				if res.ModelFile != "" {
					fmt.Printf("model:        %s\n", res.ModelFile)
				}
				if res.DataFile != "" {
					fmt.Printf("measurements: %s\n", res.DataFile)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&deviceName, "device", "d", "keithley", "config name of the battery simulator")
	cmd.Flags().Float64Var(&params.DischargeVoltage, "discharge-voltage", params.DischargeVoltage, "discharge end voltage (V)")
	cmd.Flags().Float64Var(&params.DischargeCurrentEnd, "discharge-current-end", params.DischargeCurrentEnd, "discharge end current (A)")
	cmd.Flags().Float64Var(&params.ChargeVFull, "charge-voltage", params.ChargeVFull, "full charge voltage (V)")
	cmd.Flags().Float64Var(&params.ChargeILimit, "charge-current", params.ChargeILimit, "charge current limit (A)")
	cmd.Flags().IntVar(&params.ESRIntervalSec, "esr-interval", params.ESRIntervalSec, "ESR measurement interval (s)")
	cmd.Flags().IntVar(&params.ModelSlot, "slot", params.ModelSlot, "instrument model slot (1-9)")
	cmd.Flags().BoolVar(&params.ExportCSV, "export", params.ExportCSV, "export the model and buffered data to CSV")
	return cmd
}
