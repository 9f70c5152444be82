package engine

// Options are the search-engine settings the client manages. They map
// onto UCI options and `go` parameters.
type Options struct {
	Depth      int `json:"depth"`        // search depth, plies
	MoveTimeMS int `json:"move_time_ms"` // per-search time budget; 0 = depth-limited only
	Nodes      int `json:"nodes"`        // node limit; 0 = unlimited
	Threads    int `json:"threads"`
	HashMB     int `json:"hash_mb"`
	SkillLevel int `json:"skill_level"` // 0-20, engine-specific
}

// OptionsPatch is a partial update. Only non-nil fields are applied;
// caller-supplied values always win over stored ones.
type OptionsPatch struct {
	Depth      *int
	MoveTimeMS *int
	Nodes      *int
	Threads    *int
	HashMB     *int
	SkillLevel *int
}

// Merge applies a patch to o and returns the result.
func (o Options) Merge(p OptionsPatch) Options {
	if p.Depth != nil {
		o.Depth = *p.Depth
	}
	if p.MoveTimeMS != nil {
		o.MoveTimeMS = *p.MoveTimeMS
	}
	if p.Nodes != nil {
		o.Nodes = *p.Nodes
	}
	if p.Threads != nil {
		o.Threads = *p.Threads
	}
	if p.HashMB != nil {
		o.HashMB = *p.HashMB
	}
	if p.SkillLevel != nil {
		o.SkillLevel = *p.SkillLevel
	}
	return o
}
