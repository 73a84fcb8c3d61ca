package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

// ===========================
// Track Resolution
// ===========================

const (
	MsgResolverNoResult   = "No playable result for %q"
	MsgResolverPlaylist   = "Resolved playlist %s (%d entries)"
	MsgResolverSearchFail = "Search %q failed: %v"

	SearchResultLimit   = 25
	SearchCacheTTL      = 1 * time.Hour
	PlaylistEntryLimit  = 100
	DefaultStreamExpiry = 6 * time.Hour
)

var jsOnce sync.Once
var cachedJSArgs []string

func newYtdlp() *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()

	if proxy := os.Getenv("YOUTUBE_PROXY"); proxy != "" {
		cmd.Proxy(proxy)
	}

	return cmd
}

// buildYtdlpArgs returns common args for yt-dlp commands
func buildYtdlpArgs() []string {
	jsOnce.Do(func() {
		for _, rt := range []string{"node", "deno", "quickjs"} {
			if path, err := exec.LookPath(rt); err == nil {
				cachedJSArgs = append(cachedJSArgs, "--js-runtimes", rt+":"+path)
				break
			}
		}
	})

	args := append([]string(nil), cachedJSArgs...)
	args = append(args,
		"--no-playlist",
		"--no-check-certificates",
		"--no-warnings",
		"--extractor-args", "youtube:player_client=android,web",
		"--prefer-free-formats",
		"--socket-timeout", "30",
		"--retries", "20",
		"--fragment-retries", "20",
	)
	return args
}

// streamExpiry reads the `expire` query parameter that googlevideo CDN URLs
// carry. URLs without one get a conservative default.
func streamExpiry(streamURL string) time.Time {
	if u, err := url.Parse(streamURL); err == nil {
		if raw := u.Query().Get("expire"); raw != "" {
			if sec, err := strconv.ParseInt(raw, 10, 64); err == nil && sec > 0 {
				return time.Unix(sec, 0)
			}
		}
	}
	return time.Now().Add(DefaultStreamExpiry)
}

// SearchResult is one autocomplete suggestion.
type SearchResult struct {
	URL   string
	Title string
}

type cachedSearch struct {
	results   []SearchResult
	expiresAt time.Time
}

// YtdlpResolver resolves URLs, playlists and free-text queries through
// yt-dlp, with a TTL cache in front of autocomplete searches.
type YtdlpResolver struct {
	cache struct {
		sync.RWMutex
		items map[string]cachedSearch
	}
}

func NewYtdlpResolver() *YtdlpResolver {
	r := &YtdlpResolver{}
	r.cache.items = make(map[string]cachedSearch)
	return r
}

// Resolve turns a URL or free-text query into playable metadata, including a
// direct audio stream URL and its expiry. A query with no hits returns
// (nil, nil).
func (r *YtdlpResolver) Resolve(ctx context.Context, input string) (*TrackMetadata, error) {
	target := input
	if !strings.HasPrefix(input, "http") {
		target = "ytsearch1:" + input
	}
	target = strings.Replace(target, "music.youtube.com", "www.youtube.com", 1)

	cmd := newYtdlp()
	args := buildYtdlpArgs()
	args = append(args, "-f", "bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best")
	res, err := cmd.
		Print("%(urls)s\t%(webpage_url)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(thumbnail)s").
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, "--skip-download", target)...)

	if err != nil {
		return nil, err
	}

	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 6 || ps[0] == "" || ps[0] == "NA" {
			continue
		}
		d, _ := time.ParseDuration(ps[4] + "s")
		return &TrackMetadata{
			StreamURL:    ps[0],
			StreamExpiry: streamExpiry(ps[0]),
			SourceURL:    ps[1],
			Title:        ps[2],
			Artist:       ps[3],
			Duration:     d,
			ThumbnailURL: ps[5],
		}, nil
	}

	LogResolver(MsgResolverNoResult, input)
	return nil, nil
}

// ResolvePlaylist expands a playlist URL into flat entries. Stream URLs are
// left empty and resolved lazily right before each track plays.
func (r *YtdlpResolver) ResolvePlaylist(ctx context.Context, playlistURL string) ([]*TrackMetadata, error) {
	cmd := newYtdlp()
	args := buildYtdlpArgs()
	res, err := cmd.
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(duration)s").
		PlaylistItems(fmt.Sprintf("1-%d", PlaylistEntryLimit)).
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, playlistURL, "--yes-playlist")...)

	if err != nil {
		return nil, err
	}

	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	entries := make([]*TrackMetadata, 0, len(ls))
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 || ps[1] == "" || ps[1] == "NA" {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		entries = append(entries, &TrackMetadata{
			SourceURL: ps[0],
			Title:     ps[1],
			Artist:    ps[2],
			Duration:  d,
		})
	}

	LogResolver(MsgResolverPlaylist, playlistURL, len(entries))
	return entries, nil
}

// Search fans a free-text query out to YouTube Music and YouTube in parallel
// for autocomplete suggestions. Results are deduplicated by video ID, capped
// at 25 and cached for an hour.
func (r *YtdlpResolver) Search(q string) ([]SearchResult, error) {
	r.cache.RLock()
	if item, ok := r.cache.items[q]; ok {
		if time.Now().Before(item.expiresAt) {
			r.cache.RUnlock()
			return item.results, nil
		}
	}
	r.cache.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2600*time.Millisecond)
	defer cancel()

	resMu := sync.Mutex{}
	var ytm, yt []SearchResult
	seen := make(map[string]bool)
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(q)
		res, _ := s.Next()
		for _, v := range res.Tracks {
			if v.VideoID == "" {
				continue
			}
			art := ""
			if len(v.Artists) > 0 {
				art = " - " + v.Artists[0].Name
			}
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				ytm = append(ytm, SearchResult{URL: "https://music.youtube.com/watch?v=" + v.VideoID, Title: Truncate(v.Title+art, 100)})
			}
			resMu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		res, _ := c.Search(ctx, q)
		for _, v := range res.Results {
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				yt = append(yt, SearchResult{URL: "https://www.youtube.com/watch?v=" + v.VideoID, Title: Truncate(v.Title, 100)})
			}
			resMu.Unlock()
		}
	}()
	d := make(chan struct{})
	go func() {
		wg.Wait()
		close(d)
	}()
	select {
	case <-d:
	case <-time.After(2300 * time.Millisecond):
	}

	resMu.Lock()
	defer resMu.Unlock()
	fin := append(append([]SearchResult(nil), ytm...), yt...)
	if len(fin) > SearchResultLimit {
		fin = fin[:SearchResultLimit]
	}

	if len(fin) > 0 {
		r.cache.Lock()
		r.cache.items[q] = cachedSearch{results: fin, expiresAt: time.Now().Add(SearchCacheTTL)}
		r.cache.Unlock()
	}

	return fin, nil
}
