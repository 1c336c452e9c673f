package tracker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cloud-shuttle/outrider/pkg/types"
)

// Label prefixes used on the tracker side. The status label and the canonical
// status enum must round-trip exactly; any drift breaks every downstream
// invariant, so both directions go through the table below.
const (
	statusLabelPrefix   = "status:"
	priorityLabelPrefix = "priority:"
)

var statusToLabel = map[types.TaskStatus]string{
	types.TaskStatusDraft:      statusLabelPrefix + "draft",
	types.TaskStatusAssigned:   statusLabelPrefix + "assigned",
	types.TaskStatusBlocked:    statusLabelPrefix + "blocked",
	types.TaskStatusPlanned:    statusLabelPrefix + "planned",
	types.TaskStatusApproved:   statusLabelPrefix + "approved",
	types.TaskStatusInProgress: statusLabelPrefix + "in-progress",
	types.TaskStatusCompleted:  statusLabelPrefix + "completed",
	types.TaskStatusFailed:     statusLabelPrefix + "failed",
}

var labelToStatus = func() map[string]types.TaskStatus {
	m := make(map[string]types.TaskStatus, len(statusToLabel))
	for s, l := range statusToLabel {
		m[l] = s
	}
	return m
}()

// StatusLabel returns the tracker label for a canonical status.
func StatusLabel(s types.TaskStatus) (string, error) {
	l, ok := statusToLabel[s]
	if !ok {
		return "", fmt.Errorf("unknown task status %q", s)
	}
	return l, nil
}

// StatusFromLabels extracts the canonical status from a label set.
func StatusFromLabels(labels []string) (types.TaskStatus, bool) {
	for _, l := range labels {
		if s, ok := labelToStatus[l]; ok {
			return s, true
		}
	}
	return "", false
}

// ReplaceStatusLabel returns a label set with the status label swapped to the
// given status, preserving every other label.
func ReplaceStatusLabel(labels []string, s types.TaskStatus) ([]string, error) {
	newLabel, err := StatusLabel(s)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(labels)+1)
	for _, l := range labels {
		if strings.HasPrefix(l, statusLabelPrefix) {
			continue
		}
		out = append(out, l)
	}
	return append(out, newLabel), nil
}

// PriorityFromLabels extracts the priority ordinal, zero when absent.
func PriorityFromLabels(labels []string) int {
	for _, l := range labels {
		if v, ok := strings.CutPrefix(l, priorityLabelPrefix); ok {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}

// PriorityLabel returns the tracker label for a priority ordinal.
func PriorityLabel(priority int) string {
	return fmt.Sprintf("%s%d", priorityLabelPrefix, priority)
}
