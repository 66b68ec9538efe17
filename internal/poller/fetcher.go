package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/tourmap/tourmap/internal/config"
	"github.com/tourmap/tourmap/internal/domain"
	"github.com/tourmap/tourmap/internal/strava"
)

// fetcher turns one poll-state snapshot into a FetchResult. It only talks
// to the upstream API; nothing here touches the database. The now func is
// swappable for tests.
type fetcher struct {
	cfg config.PollerConfig
	now func() time.Time
}

func newFetcher(cfg config.PollerConfig) *fetcher {
	return &fetcher{cfg: cfg, now: time.Now}
}

// fetch dispatches on the poll-state mode: a state still walking its
// history page by page gets a full fetch, a finished one a windowed latest
// fetch.
func (f *fetcher) fetch(ctx context.Context, client Client, j *job) (*domain.FetchResult, error) {
	if j.state.FullFetchDone() {
		return f.latestFetch(ctx, client, j)
	}
	return f.fullFetch(ctx, client, j)
}

// fullFetch requests the next page of the history walk. An empty page
// (after filtering) marks the walk completed; otherwise the page counter
// advances by one.
func (f *fetcher) fullFetch(ctx context.Context, client Client, j *job) (*domain.FetchResult, error) {
	page := 1
	if j.state.FullFetchNextPage != nil && *j.state.FullFetchNextPage > 0 {
		page = *j.state.FullFetchNextPage
	}
	perPage := f.cfg.FullFetchPerPage
	if j.state.FullFetchPerPage != nil && *j.state.FullFetchPerPage > 0 {
		perPage = *j.state.FullFetchPerPage
	}
	slog.Debug("poller: full fetch", "poll_state_id", j.state.ID, "page", page, "per_page", perPage)

	activities, err := client.Activities(ctx, j.token.AccessToken, strava.ActivityListOptions{
		Page:    page,
		PerPage: perPage,
	})
	if err != nil {
		return nil, err
	}
	infos, err := f.collect(ctx, client, j.token, activities)
	if err != nil {
		return nil, err
	}

	completed := len(infos) == 0
	return &domain.FetchResult{
		ActivityInfos: infos,
		StateUpdate: domain.StateUpdate{
			FullFetchNextPage:  intPtr(page + 1),
			FullFetchPerPage:   intPtr(perPage),
			FullFetchCompleted: boolPtr(completed),
		},
	}, nil
}

// latestFetch asks for everything after a lookback window anchored at the
// last completed fetch. The window is generous on purpose: re-fetching an
// activity is idempotent, missing one is not recoverable.
func (f *fetcher) latestFetch(ctx context.Context, client Client, j *job) (*domain.FetchResult, error) {
	now := f.now().UTC()
	last := now
	if j.state.LastFetchCompletedAt != nil {
		last = j.state.LastFetchCompletedAt.UTC()
	}
	lookback := time.Duration(f.cfg.LatestLookbackDays) * 24 * time.Hour
	after := last.Add(-lookback)

	// A window reaching back further than lookback+1d means polling fell
	// behind and activities older than the window may never be seen.
	if now.Sub(after) > lookback+24*time.Hour {
		slog.Warn("poller: latest fetch window is stale, a full refetch may be needed",
			"poll_state_id", j.state.ID, "user_id", j.state.UserID,
			"after", after.Format(time.RFC3339))
	}

	perPage := f.cfg.LatestLookbackPerPage
	slog.Debug("poller: latest fetch", "poll_state_id", j.state.ID,
		"after", after.Format(time.RFC3339), "per_page", perPage)

	activities, err := client.Activities(ctx, j.token.AccessToken, strava.ActivityListOptions{
		After:   after.Unix(),
		PerPage: perPage,
	})
	if err != nil {
		return nil, err
	}
	if len(activities) >= perPage {
		slog.Warn("poller: latest fetch hit the page limit, activities may be missing",
			"poll_state_id", j.state.ID, "per_page", perPage, "count", len(activities))
	}

	infos, err := f.collect(ctx, client, j.token, activities)
	if err != nil {
		return nil, err
	}
	return &domain.FetchResult{ActivityInfos: infos}, nil
}

// collect drops activities without a usable representation and pairs each
// survivor with its photos.
func (f *fetcher) collect(ctx context.Context, client Client, token *domain.Token, activities []strava.Activity) ([]domain.ActivityInfo, error) {
	infos := make([]domain.ActivityInfo, 0, len(activities))
	for _, a := range activities {
		if a.ResourceState < 0 {
			slog.Warn("poller: skipping activity with bad resource state",
				"strava_id", a.ID, "resource_state", a.ResourceState)
			continue
		}
		photos, err := f.photosForActivity(ctx, client, token, &a)
		if err != nil {
			return nil, err
		}
		infos = append(infos, domain.ActivityInfo{Activity: a, Photos: photos})
	}
	return infos, nil
}

// photosForActivity fetches every configured size for one activity. The
// response is sanity-checked hard: a photo must carry exactly one sizes
// entry, and that entry must match the requested size on at least one axis.
// A violation fails the whole job with a data error rather than storing a
// photo whose dimensions cannot be trusted.
func (f *fetcher) photosForActivity(ctx context.Context, client Client, token *domain.Token, a *strava.Activity) (domain.PhotoMap, error) {
	result := domain.PhotoMap{}
	if a.TotalPhotoCount == 0 {
		return result, nil
	}

	for _, size := range f.cfg.PhotoSizes {
		photos, err := client.ActivityPhotos(ctx, token.AccessToken, a.ID, size)
		if err != nil {
			return nil, err
		}
		infos := make([]domain.PhotoInfo, 0, len(photos))
		for _, p := range photos {
			info, err := photoInfo(&p, size)
			if err != nil {
				return nil, err
			}
			infos = append(infos, *info)
		}
		result[size] = infos
	}
	return result, nil
}

// photoInfo validates one photo against the requested size and flattens it
// into the stored shape.
func photoInfo(p *strava.Photo, requested int) (*domain.PhotoInfo, error) {
	if len(p.Sizes) != 1 {
		return nil, &domain.DataError{Reason: fmt.Sprintf("photo %s: want one sizes entry, got %d", p.UniqueID, len(p.Sizes))}
	}
	var width, height int
	for _, wh := range p.Sizes {
		if len(wh) != 2 {
			return nil, &domain.DataError{Reason: fmt.Sprintf("photo %s: malformed sizes entry %v", p.UniqueID, wh)}
		}
		width, height = wh[0], wh[1]
	}
	if width != requested && height != requested {
		return nil, &domain.DataError{Reason: fmt.Sprintf("photo %s: got %dx%d for requested size %d", p.UniqueID, width, height, requested)}
	}
	url := pickURL(p.URLs, requested)
	if url == "" {
		return nil, &domain.DataError{Reason: fmt.Sprintf("photo %s: no url", p.UniqueID)}
	}
	return &domain.PhotoInfo{
		URL:     url,
		Width:   width,
		Height:  height,
		Caption: p.Caption,
	}, nil
}

// pickURL selects the url variant for the requested size. When no label
// matches, the lexically smallest label wins so the choice is deterministic
// across fetches.
func pickURL(urls map[string]string, requested int) string {
	if u, ok := urls[strconv.Itoa(requested)]; ok {
		return u
	}
	keys := make([]string, 0, len(urls))
	for k := range urls {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	return urls[keys[0]]
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }
