package jdl

import (
	"strconv"

	"golang.org/x/exp/slices"
)

const (
	TagMultiProcessor = "MultiProcessor"
	TagWholeNode      = "WholeNode"
)

// MultiProcessorExtension turns processor requests into resource requirements and tags.
type MultiProcessorExtension struct{}

func (MultiProcessorExtension) Name() string {
	return "MultiProcessor"
}

func (MultiProcessorExtension) Apply(ad *ClassAd, description *Description) error {
	processors, _, err := ad.GetInt(AttrNumberOfProcessors)
	if err != nil {
		return &VerificationError{Attribute: AttrNumberOfProcessors, Message: err.Error()}
	}
	if processors < 0 {
		return &VerificationError{Attribute: AttrNumberOfProcessors, Message: "must not be negative"}
	}
	wholeNode, _, err := ad.GetBool(AttrWholeNode)
	if err != nil {
		return &VerificationError{Attribute: AttrWholeNode, Message: err.Error()}
	}

	req := &description.Requirements
	if processors > 1 {
		req.NumberOfProcessors = int(processors)
		req.Tags = addTag(req.Tags, TagMultiProcessor)
		req.Tags = addTag(req.Tags, strconv.FormatInt(processors, 10)+"Processors")
	}
	if wholeNode {
		req.Tags = addTag(req.Tags, TagWholeNode)
	}
	return nil
}

func addTag(tags []string, tag string) []string {
	if slices.Contains(tags, tag) {
		return tags
	}
	return append(tags, tag)
}

// SiteResolver returns the sites holding a replica of every one of the given files.
type SiteResolver interface {
	SitesForData(lfns []string) ([]string, error)
}

// InputDataExtension restricts a job with input data to the sites that hold its data.
type InputDataExtension struct {
	Resolver SiteResolver
}

func (InputDataExtension) Name() string {
	return "InputData"
}

func (e InputDataExtension) Apply(_ *ClassAd, description *Description) error {
	req := &description.Requirements
	if len(req.InputData) == 0 || e.Resolver == nil {
		return nil
	}
	dataSites, err := e.Resolver.SitesForData(req.InputData)
	if err != nil {
		return err
	}
	candidates := dataSites
	if !req.AnySite() {
		candidates = nil
		for _, site := range req.Sites {
			if slices.Contains(dataSites, site) {
				candidates = append(candidates, site)
			}
		}
	}
	candidates = filterSites(candidates, func(site string) bool {
		return !slices.Contains(req.BannedSites, site)
	})
	if len(candidates) == 0 {
		return &VerificationError{Attribute: AttrInputData, Message: "no eligible site holds the input data"}
	}
	slices.Sort(candidates)
	req.Sites = candidates
	return nil
}

// StaticSiteResolver maps each file to the sites holding it.
type StaticSiteResolver map[string][]string

func (r StaticSiteResolver) SitesForData(lfns []string) ([]string, error) {
	var common []string
	for i, lfn := range lfns {
		sites := r[lfn]
		if i == 0 {
			common = append(common, sites...)
			continue
		}
		common = filterSites(common, func(site string) bool {
			return slices.Contains(sites, site)
		})
	}
	return common, nil
}

func filterSites(sites []string, keep func(string) bool) []string {
	out := make([]string, 0, len(sites))
	for _, site := range sites {
		if keep(site) {
			out = append(out, site)
		}
	}
	return out
}
