package taskqueue

import (
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/gridwms/wms/internal/wms/matching"
)

// canonicalKey identifies the bucket of jobs that are eligible for exactly the same capabilities.
// Priority and input data are not part of it: input data has already been folded into the site list.
func canonicalKey(req matching.Requirements) string {
	var sb strings.Builder
	write := func(name string, value string) {
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(value)
		sb.WriteByte(';')
	}
	write("sites", sortedJoin(req.Sites))
	write("banned", sortedJoin(req.BannedSites))
	write("platform", req.Platform)
	write("cpu", strconv.FormatInt(req.CPUTime, 10))
	write("memory", strconv.FormatInt(req.MemoryMB, 10))
	write("processors", strconv.Itoa(req.NumberOfProcessors))
	write("tags", sortedJoin(req.Tags))
	write("owner", req.Identity.Owner)
	write("group", req.Identity.OwnerGroup)
	write("vo", req.Identity.VO)
	return sb.String()
}

func sortedJoin(values []string) string {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	return strings.Join(sorted, ",")
}

// canonicalRequirements is the representative requirement set of a bucket.
func canonicalRequirements(req matching.Requirements) matching.Requirements {
	out := req.DeepCopy()
	out.Sites = sortedSlice(out.Sites)
	out.BannedSites = sortedSlice(out.BannedSites)
	out.Tags = sortedSlice(out.Tags)
	out.InputData = nil
	out.Priority = 0
	return out
}

func sortedSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := slices.Clone(values)
	slices.Sort(out)
	return slices.Compact(out)
}
