// Package measurement compares an attestation report's measurement records
// against the golden values published in reference integrity manifests.
package measurement

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/edgelesssys/gpuattest/internal/report"
	"github.com/edgelesssys/gpuattest/internal/verifyerr"
)

// Compare checks every index in golden against the report's measurement at
// that index: the reported digest must equal one of golden's acceptable
// digests for the index ("alternatives"). allowedMismatches names indices
// that are permitted to differ, e.g. a known-noisy slot the caller has
// chosen to tolerate.
//
// A golden index absent from the report, or present in the report but
// absent from golden, is a coverage gap and fails naming the index,
// regardless of allowedMismatches — tolerance only covers a value
// mismatch, not a missing measurement.
func Compare(reported []report.Measurement, golden map[uint8][]string, allowedMismatches []uint8) error {
	reportedByIndex := make(map[uint8]report.Measurement, len(reported))
	for _, m := range reported {
		reportedByIndex[m.Index] = m
	}

	var errs []string
	for index := range golden {
		if _, ok := reportedByIndex[index]; !ok {
			errs = append(errs, fmt.Sprintf("missing measurement record for index %d", index))
		}
	}
	for index := range reportedByIndex {
		if _, ok := golden[index]; !ok {
			errs = append(errs, fmt.Sprintf("report carries measurement index %d with no golden reference", index))
		}
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("%w: %s", verifyerr.ErrMeasurementMismatch, strings.Join(errs, "; "))
	}

	for index, acceptable := range golden {
		if contains(allowedMismatches, index) {
			continue
		}
		actual := hex.EncodeToString(reportedByIndex[index].Value)
		if !matchesAny(actual, acceptable) {
			errs = append(errs, fmt.Sprintf("index %d: reported %s matches none of %s", index, actual, acceptable))
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("%w: %s", verifyerr.ErrMeasurementMismatch, strings.Join(errs, "; "))
	}
	return nil
}

func matchesAny(actual string, acceptable []string) bool {
	for _, want := range acceptable {
		if strings.EqualFold(actual, want) {
			return true
		}
	}
	return false
}

func contains(indices []uint8, index uint8) bool {
	for _, i := range indices {
		if i == index {
			return true
		}
	}
	return false
}
