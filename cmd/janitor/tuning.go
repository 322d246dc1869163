package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/crossguard/janitor/policy"
	"github.com/crossguard/janitor/scoring"

	"gopkg.in/yaml.v3"
)

// tuningFile is the deployment-wide scoring and decision configuration, for example:
//
//	weights:
//	  bigotry: 5
//	policy:
//	  severity: [bigotry, impersonation, spam, honeypot]
//	  base:
//	    spam: warn
//	  step: 2
type tuningFile struct {
	Weights scoring.Weights `yaml:"weights"`
	Policy  policy.Tuning   `yaml:"policy"`
}

// loadTuning reads path, filling anything it leaves out with defaults. An empty path yields the defaults.
func loadTuning(path string) (scoring.Weights, policy.Tuning, error) {
	var tf tuningFile
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, policy.Tuning{}, fmt.Errorf("reading tuning file: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&tf); err != nil && !errors.Is(err, io.EOF) {
			return nil, policy.Tuning{}, fmt.Errorf("parsing tuning file %s: %w", path, err)
		}
	}

	weights := scoring.DefaultWeights().Merge(tf.Weights)
	if err := weights.Validate(); err != nil {
		return nil, policy.Tuning{}, fmt.Errorf("invalid weights: %w", err)
	}
	tuning := tf.Policy.Merge()
	if err := tuning.Validate(); err != nil {
		return nil, policy.Tuning{}, fmt.Errorf("invalid policy tuning: %w", err)
	}
	return weights, tuning, nil
}
