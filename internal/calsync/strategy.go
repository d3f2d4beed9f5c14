package calsync

import (
	"fmt"
	"strings"
)

type StrategyName string

const (
	StrategyLocal  StrategyName = "local"
	StrategyRemote StrategyName = "remote"
	StrategyMerge  StrategyName = "merge"
	StrategyManual StrategyName = "manual"
)

// Strategy is the closed set of resolution strategies. The unexported marker
// keeps the set to LocalWins, RemoteWins, Merge and Manual.
type Strategy interface {
	Name() StrategyName
	isStrategy()
}

type LocalWins struct{}

type RemoteWins struct{}

type Merge struct {
	Policy MergePolicy
}

type Manual struct{}

func (LocalWins) Name() StrategyName  { return StrategyLocal }
func (RemoteWins) Name() StrategyName { return StrategyRemote }
func (Merge) Name() StrategyName      { return StrategyMerge }
func (Manual) Name() StrategyName     { return StrategyManual }

func (LocalWins) isStrategy()  {}
func (RemoteWins) isStrategy() {}
func (Merge) isStrategy()      {}
func (Manual) isStrategy()     {}

type TitlePolicy string

const (
	TitleLocal   TitlePolicy = "local"
	TitleRemote  TitlePolicy = "remote"
	TitleLongest TitlePolicy = "longest"
	TitleNewest  TitlePolicy = "newest"
)

type TimePolicy string

const (
	TimeLocal    TimePolicy = "local"
	TimeRemote   TimePolicy = "remote"
	TimeEarliest TimePolicy = "earliest"
	TimeLatest   TimePolicy = "latest"
	TimeNewest   TimePolicy = "newest"
)

type DescriptionPolicy string

const (
	DescriptionLocal       DescriptionPolicy = "local"
	DescriptionRemote      DescriptionPolicy = "remote"
	DescriptionLongest     DescriptionPolicy = "longest"
	DescriptionConcatenate DescriptionPolicy = "concatenate"
)

type TagsPolicy string

const (
	TagsUnion  TagsPolicy = "union"
	TagsLocal  TagsPolicy = "local"
	TagsRemote TagsPolicy = "remote"
)

// MergePolicy selects the winning side per field for a merge resolution.
type MergePolicy struct {
	Title       TitlePolicy       `json:"title" yaml:"title" toml:"title"`
	Time        TimePolicy        `json:"time" yaml:"time" toml:"time"`
	Description DescriptionPolicy `json:"description" yaml:"description" toml:"description"`
	Tags        TagsPolicy        `json:"tags" yaml:"tags" toml:"tags"`
}

func DefaultMergePolicy() MergePolicy {
	return MergePolicy{
		Title:       TitleNewest,
		Time:        TimeNewest,
		Description: DescriptionLongest,
		Tags:        TagsUnion,
	}
}

// Normalize fills unset fields from DefaultMergePolicy.
func (p MergePolicy) Normalize() MergePolicy {
	def := DefaultMergePolicy()
	if p.Title == "" {
		p.Title = def.Title
	}
	if p.Time == "" {
		p.Time = def.Time
	}
	if p.Description == "" {
		p.Description = def.Description
	}
	if p.Tags == "" {
		p.Tags = def.Tags
	}
	return p
}

func (p MergePolicy) Validate() error {
	switch p.Title {
	case TitleLocal, TitleRemote, TitleLongest, TitleNewest:
	default:
		return fmt.Errorf("%w: title policy %q", ErrInvalidInput, p.Title)
	}
	switch p.Time {
	case TimeLocal, TimeRemote, TimeEarliest, TimeLatest, TimeNewest:
	default:
		return fmt.Errorf("%w: time policy %q", ErrInvalidInput, p.Time)
	}
	switch p.Description {
	case DescriptionLocal, DescriptionRemote, DescriptionLongest, DescriptionConcatenate:
	default:
		return fmt.Errorf("%w: description policy %q", ErrInvalidInput, p.Description)
	}
	switch p.Tags {
	case TagsUnion, TagsLocal, TagsRemote:
	default:
		return fmt.Errorf("%w: tags policy %q", ErrInvalidInput, p.Tags)
	}
	return nil
}

func (p MergePolicy) String() string {
	return fmt.Sprintf("title=%s,time=%s,description=%s,tags=%s", p.Title, p.Time, p.Description, p.Tags)
}

// ParseStrategy builds a Strategy from its configured name.
func ParseStrategy(name string, policy MergePolicy) (Strategy, error) {
	switch StrategyName(strings.ToLower(strings.TrimSpace(name))) {
	case StrategyLocal, "local-wins", "":
		return LocalWins{}, nil
	case StrategyRemote, "remote-wins":
		return RemoteWins{}, nil
	case StrategyMerge:
		policy = policy.Normalize()
		if err := policy.Validate(); err != nil {
			return nil, err
		}
		return Merge{Policy: policy}, nil
	case StrategyManual:
		return Manual{}, nil
	default:
		return nil, fmt.Errorf("%w: strategy %q", ErrInvalidInput, name)
	}
}
