package jobdb

import (
	"fmt"
	"strconv"
)

func FormatJobID(jobID int64) string {
	return strconv.FormatInt(jobID, 10)
}

func atticKey(jobID int64, rescheduleCounter int) string {
	return fmt.Sprintf("%d/%d", jobID, rescheduleCounter)
}

// ParseJobID parses the decimal form of a job id.
func ParseJobID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
