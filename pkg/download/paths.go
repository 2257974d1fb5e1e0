package download

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/astridyu/khinsider-scraper/pkg/models"
	"github.com/astridyu/khinsider-scraper/pkg/utils"
)

const defaultExt = ".mp3"

// DestPath returns where a resolved song is stored:
// <outputDir>/<album id>/<NNN> <song name><ext>, NNN being the 1-based track number.
// The extension comes from the mp3 URL and defaults to .mp3.
func DestPath(outputDir string, song models.SongRecord) string {
	ext := extension(song.MP3URL)
	name := strings.TrimSuffix(song.SongName, ext)
	file := utils.SanitizeFilename(fmt.Sprintf("%03d %s", song.AlbumIndex+1, name)) + ext
	return filepath.Join(outputDir, utils.SanitizeFilename(song.AlbumID), file)
}

func extension(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	if ext == "" || len(ext) > 5 || strings.ContainsAny(ext, `<>:"/\|?* `) {
		return defaultExt
	}
	return ext
}
