package matching

// Identity is the submitter of a job.
type Identity struct {
	Owner      string
	OwnerGroup string
	VO         string
}

// Requirements is the normalised form of what a job needs from a pilot.
type Requirements struct {
	// Sites the job may run at. Empty means any site.
	Sites       []string
	BannedSites []string
	// Platform required by the job. Empty means any platform.
	Platform string
	// CPUTime is the normalised CPU time, in seconds, the job declares it needs.
	CPUTime            int64
	MemoryMB           int64
	NumberOfProcessors int
	Tags               []string
	InputData          []string
	Priority           int32
	Identity           Identity
}

func (r Requirements) DeepCopy() Requirements {
	out := r
	out.Sites = append([]string(nil), r.Sites...)
	out.BannedSites = append([]string(nil), r.BannedSites...)
	out.Tags = append([]string(nil), r.Tags...)
	out.InputData = append([]string(nil), r.InputData...)
	return out
}

// AnySite reports whether the job accepts every site.
func (r Requirements) AnySite() bool {
	return len(r.Sites) == 0
}
