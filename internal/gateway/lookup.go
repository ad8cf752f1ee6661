package gateway

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/shirushi/internal/model"
)

// LookupBySoftBinding finds manifests whose transactions carry the exact
// alg/value soft-binding pair under any accepted tag family. Results are
// deduplicated by transaction id, ordered by block height descending then
// transaction id, and capped at maxResults. Transactions without a manifest
// id are dropped.
func (c *Client) LookupBySoftBinding(ctx context.Context, alg, valueB64 string, maxResults int) ([]model.ManifestLocator, error) {
	families := model.BindingTagFamilies
	perFamily := make([][]txNode, len(families))

	g, gctx := errgroup.WithContext(ctx)
	for i, fam := range families {
		g.Go(func() error {
			nodes, err := c.queryTransactions(gctx, "lookup by soft binding", []tagFilter{
				{Name: fam.Alg, Values: []string{alg}},
				{Name: fam.Value, Values: []string{valueB64}},
			}, maxResults)
			if err != nil {
				return err
			}
			perFamily[i] = nodes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []txNode
	for _, nodes := range perFamily {
		all = append(all, nodes...)
	}
	locators := toLocators(mergeNodes(all))
	if len(locators) > maxResults {
		locators = locators[:maxResults]
	}
	c.logger.Debug("gateway: soft binding lookup", "alg", alg, "matches", len(locators))
	return locators, nil
}

// LookupManifestLocatorByID returns the most recent locator for manifestID
// across the accepted manifest-id tag spellings, or nil when none exists.
func (c *Client) LookupManifestLocatorByID(ctx context.Context, manifestID string) (*model.ManifestLocator, error) {
	aliases := model.TagAliases[model.TagManifestID]
	perAlias := make([][]txNode, len(aliases))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range aliases {
		g.Go(func() error {
			nodes, err := c.queryTransactions(gctx, "lookup manifest locator", []tagFilter{
				{Name: name, Values: []string{manifestID}},
			}, 10)
			if err != nil {
				return err
			}
			perAlias[i] = nodes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []txNode
	for _, nodes := range perAlias {
		all = append(all, nodes...)
	}
	for _, loc := range toLocators(mergeNodes(all)) {
		if loc.ManifestID == manifestID {
			return &loc, nil
		}
	}
	return nil, nil
}

// mergeNodes deduplicates by transaction id, keeping the highest observed
// block height, and sorts by height descending then id ascending.
func mergeNodes(nodes []txNode) []txNode {
	byID := make(map[string]txNode, len(nodes))
	for _, n := range nodes {
		if prev, ok := byID[n.ID]; ok && prev.height() >= n.height() {
			continue
		}
		byID[n.ID] = n
	}
	out := make([]txNode, 0, len(byID))
	for _, n := range byID {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].height() != out[j].height() {
			return out[i].height() > out[j].height()
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func toLocators(nodes []txNode) []model.ManifestLocator {
	out := make([]model.ManifestLocator, 0, len(nodes))
	for _, n := range nodes {
		tags := make(map[string]string, len(n.Tags))
		for _, t := range n.Tags {
			canonical, ok := model.CanonicalTag(t.Name)
			if !ok {
				continue
			}
			if _, seen := tags[canonical]; !seen {
				tags[canonical] = t.Value
			}
		}
		manifestID := tags[model.TagManifestID]
		if manifestID == "" {
			continue
		}
		loc := model.ManifestLocator{
			TxID:        n.ID,
			ManifestID:  manifestID,
			BlockHeight: n.height(),
		}
		if v := tags[model.TagRepoURL]; v != "" {
			loc.RepoURL = &v
		}
		if v := tags[model.TagFetchURL]; v != "" {
			loc.FetchURL = &v
		}
		out = append(out, loc)
	}
	return out
}
