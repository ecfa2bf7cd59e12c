package fetch

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/mlindgren/lagesbild/internal/logging"
	"github.com/mlindgren/lagesbild/internal/model"
	"github.com/mlindgren/lagesbild/internal/process"
)

// FeedSource syncs a list of text-feed endpoints. Feeds are fetched as raw
// markup and scraped leniently: the HTML parser tolerates broken XML, and an
// item that fails to yield a title is skipped, never fatal to the batch.
type FeedSource struct {
	fetcher *Fetcher
	proc    *process.Processor
	urls    []string
}

// NewFeedSource creates a source over a list of feed URLs.
func NewFeedSource(f *Fetcher, p *process.Processor, urls []string) *FeedSource {
	return &FeedSource{fetcher: f, proc: p, urls: urls}
}

// Sync fetches every feed, concatenates the scraped items and processes the
// batch. A single failing feed only fails the sync when no feed succeeds.
func (s *FeedSource) Sync(ctx context.Context, since time.Time) ([]model.Record, error) {
	var items []process.RawItem
	var lastErr error
	succeeded := 0

	for _, feedURL := range s.urls {
		if ctx.Err() != nil {
			return nil, &NetworkError{URL: feedURL, Err: ctx.Err()}
		}

		body, err := s.fetcher.Get(ctx, feedURL)
		if err != nil {
			logging.Warn("feed fetch failed", "url", feedURL, "error", err)
			lastErr = err
			continue
		}

		scraped := scrapeFeed(body, feedURL)
		items = append(items, scraped...)
		succeeded++
	}

	if succeeded == 0 && lastErr != nil {
		return nil, lastErr
	}

	return s.proc.Process(items, since), nil
}

// scrapeFeed extracts minimal item records from feed markup. Best effort:
// whatever looks like an item or entry block is mined for a title,
// description, publish date and id. The HTML parser lowercases tag names.
func scrapeFeed(body []byte, feedURL string) []process.RawItem {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		logging.Warn("feed unparseable", "url", feedURL, "error", err)
		return nil
	}

	source := feedURL
	if u, err := url.Parse(feedURL); err == nil && u.Host != "" {
		source = u.Host
	}

	var items []process.RawItem
	doc.Find("item, entry").Each(func(_ int, sel *goquery.Selection) {
		title := strings.TrimSpace(sel.Find("title").First().Text())
		if title == "" {
			return
		}

		desc := strings.TrimSpace(sel.Find("description, summary, content").First().Text())
		pub := strings.TrimSpace(sel.Find("pubdate, published, updated, date").First().Text())

		id := strings.TrimSpace(sel.Find("guid, id").First().Text())
		if id == "" {
			if href, ok := sel.Find("link").First().Attr("href"); ok {
				id = strings.TrimSpace(href)
			} else {
				id = strings.TrimSpace(sel.Find("link").First().Text())
			}
		}
		if id == "" {
			id = model.HashID(title, pub, source)
		}

		items = append(items, process.RawItem{
			ID:          id,
			Title:       title,
			Description: desc,
			Timestamp:   pub,
			Source:      source,
		})
	})

	return items
}
