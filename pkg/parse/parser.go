package parse

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/astridyu/khinsider-scraper/pkg/models"
	"github.com/astridyu/khinsider-scraper/pkg/utils"
)

// Selectors for the catalog's markup
const (
	lastPageSelector  = ".pagination .pagination-end a"
	albumListSelector = ".albumList"
	albumLinkSelector = ".albumList tr .albumIcon a"
	albumNameSelector = "#pageContent > h2"
	songListSelector  = "#songlist"
	songRowSelector   = "#songlist tr"
	songLinkSelector  = ".playlistDownloadSong a"
	songNameSelector  = "td.clickable-row a"
	audioSelector     = "audio#audio"
	downloadSelector  = "#pageContent a[href]"
)

var pageParamRe = regexp.MustCompile(`[?&]page=(\d+)`)

// Parser extracts child descriptors from catalog pages. It performs no I/O and is safe for concurrent use.
type Parser struct{}

// NewParser creates a page parser for the catalog's HTML
func NewParser() *Parser {
	return &Parser{}
}

// ParseLetterPage returns the number of the last listing page (1 when there is no pagination)
// and the album links on this page, in page order without duplicates.
func (p *Parser) ParseLetterPage(body []byte, pageURL string) (int, []string, error) {
	doc, base, err := load(body, pageURL)
	if err != nil {
		return 0, nil, err
	}
	if doc.Find(albumListSelector).Length() == 0 {
		return 0, nil, fmt.Errorf("%w: letter page '%s' has no album list", utils.ErrParsing, pageURL)
	}

	lastPage := 1
	if href, ok := doc.Find(lastPageSelector).First().Attr("href"); ok {
		if m := pageParamRe.FindStringSubmatch(href); m != nil {
			if n, convErr := strconv.Atoi(m[1]); convErr == nil && n > 0 {
				lastPage = n
			}
		}
	}

	var links []string
	seen := make(map[string]bool)
	doc.Find(albumLinkSelector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		link, linkErr := ResolveLink(base, href)
		if linkErr != nil || seen[link] {
			return
		}
		seen[link] = true
		links = append(links, link)
	})
	return lastPage, links, nil
}

// ParseAlbumPage returns the album's display name and its songs in list order.
// Song indexes are 0-based positions among the rows that carry a download link.
func (p *Parser) ParseAlbumPage(body []byte, albumURL string) (string, []models.SongLink, error) {
	doc, base, err := load(body, albumURL)
	if err != nil {
		return "", nil, err
	}

	name := strings.TrimSpace(doc.Find(albumNameSelector).First().Text())
	if name == "" {
		return "", nil, fmt.Errorf("%w: album page '%s' has no name", utils.ErrParsing, albumURL)
	}
	if doc.Find(songListSelector).Length() == 0 {
		return "", nil, fmt.Errorf("%w: album page '%s' has no song list", utils.ErrParsing, albumURL)
	}

	var songs []models.SongLink
	seen := make(map[string]bool)
	doc.Find(songRowSelector).Each(func(_ int, row *goquery.Selection) {
		href, ok := row.Find(songLinkSelector).First().Attr("href")
		if !ok {
			return
		}
		link, linkErr := ResolveLink(base, href)
		if linkErr != nil || seen[link] {
			return
		}
		seen[link] = true

		songName := strings.TrimSpace(row.Find(songNameSelector).First().Text())
		if songName == "" {
			songName = nameFromLink(link)
		}
		songs = append(songs, models.SongLink{Index: len(songs), Name: songName, PageURL: link})
	})
	return name, songs, nil
}

// ParseSongPage returns the absolute URL of the song's mp3 file
func (p *Parser) ParseSongPage(body []byte, pageURL string) (string, error) {
	doc, base, err := load(body, pageURL)
	if err != nil {
		return "", err
	}

	if src, ok := doc.Find(audioSelector).First().Attr("src"); ok {
		if link, linkErr := ResolveFetchURL(base, src); linkErr == nil {
			return link, nil
		}
	}

	var mp3 string
	doc.Find(downloadSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		link, linkErr := ResolveFetchURL(base, href)
		if linkErr != nil {
			return true
		}
		if isMP3(link) {
			mp3 = link
			return false
		}
		return true
	})
	if mp3 == "" {
		return "", fmt.Errorf("%w: song page '%s' has no mp3 link", utils.ErrParsing, pageURL)
	}
	return mp3, nil
}

// isMP3 checks the URL path, ignoring any query string
func isMP3(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".mp3")
}

func load(body []byte, pageURL string) (*goquery.Document, *url.URL, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: invalid page URL '%s': %w", utils.ErrParsing, pageURL, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading HTML of '%s': %w", utils.ErrParsing, pageURL, err)
	}
	return doc, base, nil
}

// nameFromLink derives a display name from a song page URL such as ".../01%2520Intro.mp3"
func nameFromLink(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	// Song paths are double-encoded; undo the second layer when possible
	if unescaped, unescErr := url.PathUnescape(name); unescErr == nil {
		name = unescaped
	}
	return strings.TrimSuffix(name, path.Ext(name))
}
