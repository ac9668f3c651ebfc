package dedup

import (
	"sort"
	"time"
)

// Clusters is a union-find over record ids whose root is always the oldest
// member. Following Find from any member ends at that root in one logical
// step, so reference chains and cycles cannot form.
type Clusters struct {
	parent  map[int64]int64
	created map[int64]time.Time
}

func NewClusters() *Clusters {
	return &Clusters{
		parent:  make(map[int64]int64),
		created: make(map[int64]time.Time),
	}
}

// Add registers id as a singleton cluster. Adding a known id is a no-op.
func (c *Clusters) Add(id int64, createdAt time.Time) {
	if _, ok := c.parent[id]; ok {
		return
	}
	c.parent[id] = id
	c.created[id] = createdAt
}

func (c *Clusters) Has(id int64) bool {
	_, ok := c.parent[id]
	return ok
}

// Find returns the root of id's cluster, compressing the path on the way.
// Unknown ids are their own root.
func (c *Clusters) Find(id int64) int64 {
	p, ok := c.parent[id]
	if !ok {
		return id
	}
	if p == id {
		return id
	}
	root := c.Find(p)
	c.parent[id] = root
	return root
}

// Union merges the clusters of a and b and returns the new root, which is
// the older of the two previous roots.
func (c *Clusters) Union(a, b int64) int64 {
	ra, rb := c.Find(a), c.Find(b)
	if ra == rb {
		return ra
	}
	if Older(rb, c.created[rb], ra, c.created[ra]) {
		ra, rb = rb, ra
	}
	c.parent[rb] = ra
	return ra
}

// CreatedAt returns the creation time registered for id.
func (c *Clusters) CreatedAt(id int64) time.Time {
	return c.created[id]
}

// Groups returns every cluster with more than one member, keyed by root,
// members sorted oldest first and excluding the root.
func (c *Clusters) Groups() map[int64][]int64 {
	groups := make(map[int64][]int64)
	for id := range c.parent {
		root := c.Find(id)
		if root != id {
			groups[root] = append(groups[root], id)
		}
	}
	for root, members := range groups {
		sort.Slice(members, func(i, j int) bool {
			return Older(members[i], c.created[members[i]], members[j], c.created[members[j]])
		})
		groups[root] = members
	}
	return groups
}
