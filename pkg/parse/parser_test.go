package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astridyu/khinsider-scraper/pkg/utils"
)

const letterURL = "https://downloads.khinsider.com/game-soundtracks/browse/T"

const letterWithPagination = `<html><body><div id="pageContent">
<div class="pagination"><ul>
  <li><a href="/game-soundtracks/browse/T?page=2">2</a></li>
  <li class="pagination-end"><a href="/game-soundtracks/browse/T?page=7">&raquo;</a></li>
</ul></div>
<table class="albumList">
  <tr><th>Album</th></tr>
  <tr><td class="albumIcon"><a href="/game-soundtracks/album/t-e-vr-golf-devils-course-1995-3do"><img src="x.jpg"></a></td>
      <td><a href="/game-soundtracks/album/t-e-vr-golf-devils-course-1995-3do">T&amp;E VR Golf</a></td></tr>
  <tr><td class="albumIcon"><a href="https://downloads.khinsider.com/game-soundtracks/album/tales-of-vesperia/">icon</a></td></tr>
  <tr><td class="albumIcon"><a href="/game-soundtracks/album/t-e-vr-golf-devils-course-1995-3do">dup</a></td></tr>
  <tr><td class="albumIcon"><a>no href</a></td></tr>
</table>
</div></body></html>`

const letterWithoutPagination = `<html><body>
<table class="albumList">
  <tr><td class="albumIcon"><a href="/game-soundtracks/album/xenogears">icon</a></td></tr>
</table>
</body></html>`

const albumURL = "https://downloads.khinsider.com/game-soundtracks/album/quake-iii-arena-complete-soundtrack"

const albumPage = `<html><body><div id="pageContent">
<h2>Quake 3 - Arena Complete Soundtrack</h2>
<table id="songlist">
  <tr id="songlist_header"><th>CD</th><th>#</th><th>Song Name</th></tr>
  <tr>
    <td class="playlistDownloadSong"><a href="/game-soundtracks/album/quake-iii-arena-complete-soundtrack/1-01%2520Intro.mp3"><i>get_app</i></a></td>
    <td class="clickable-row"><a href="/game-soundtracks/album/quake-iii-arena-complete-soundtrack/1-01%2520Intro.mp3">Intro</a></td>
  </tr>
  <tr>
    <td class="playlistDownloadSong"><a href="/game-soundtracks/album/quake-iii-arena-complete-soundtrack/1-04%2520Hell%2527s%2520Gate.mp3"></a></td>
    <td class="clickable-row"><a href="#">  Hell's Gate </a></td>
  </tr>
  <tr>
    <td class="playlistDownloadSong"><a href="/game-soundtracks/album/quake-iii-arena-complete-soundtrack/1-05%2520Unnamed.mp3"></a></td>
  </tr>
  <tr id="songlist_footer"><th>Total</th></tr>
</table>
</div></body></html>`

const songPageAudio = `<html><body><div id="pageContent">
<audio id="audio" src="https://vgmsite.com/soundtracks/quake/abc/01%20Intro.mp3"></audio>
<p><a href="https://vgmsite.com/soundtracks/quake/abc/01%20Intro.flac">FLAC</a></p>
</div></body></html>`

const songPageLinks = `<html><body><div id="pageContent">
<p><a href="/game-soundtracks/album/quake">Back</a></p>
<p><a href="https://vgmsite.com/soundtracks/quake/abc/01%20Intro.MP3"><span class="songDownloadLink">Click here to download as MP3</span></a></p>
</div></body></html>`

func TestParseLetterPage_WithPagination(t *testing.T) {
	lastPage, links, err := NewParser().ParseLetterPage([]byte(letterWithPagination), letterURL)
	require.NoError(t, err)
	assert.Equal(t, 7, lastPage)
	assert.Equal(t, []string{
		"https://downloads.khinsider.com/game-soundtracks/album/t-e-vr-golf-devils-course-1995-3do",
		"https://downloads.khinsider.com/game-soundtracks/album/tales-of-vesperia",
	}, links)
}

func TestParseLetterPage_WithoutPagination(t *testing.T) {
	lastPage, links, err := NewParser().ParseLetterPage([]byte(letterWithoutPagination), letterURL)
	require.NoError(t, err)
	assert.Equal(t, 1, lastPage)
	assert.Equal(t, []string{"https://downloads.khinsider.com/game-soundtracks/album/xenogears"}, links)
}

func TestParseLetterPage_BadPaginationHref(t *testing.T) {
	body := `<div class="pagination"><span class="pagination-end"><a href="/browse/T?sort=name">end</a></span></div><table class="albumList"></table>`
	lastPage, links, err := NewParser().ParseLetterPage([]byte(body), letterURL)
	require.NoError(t, err)
	assert.Equal(t, 1, lastPage)
	assert.Empty(t, links)
}

func TestParseLetterPage_NotALetterPage(t *testing.T) {
	_, _, err := NewParser().ParseLetterPage([]byte(`<html><body>502 Bad Gateway</body></html>`), letterURL)
	assert.ErrorIs(t, err, utils.ErrParsing)
}

func TestParseAlbumPage(t *testing.T) {
	name, songs, err := NewParser().ParseAlbumPage([]byte(albumPage), albumURL)
	require.NoError(t, err)
	assert.Equal(t, "Quake 3 - Arena Complete Soundtrack", name)
	require.Len(t, songs, 3)

	assert.Equal(t, 0, songs[0].Index)
	assert.Equal(t, "Intro", songs[0].Name)
	assert.Equal(t, albumURL+"/1-01%2520Intro.mp3", songs[0].PageURL)

	assert.Equal(t, 1, songs[1].Index)
	assert.Equal(t, "Hell's Gate", songs[1].Name)
	assert.Equal(t, albumURL+"/1-04%2520Hell%2527s%2520Gate.mp3", songs[1].PageURL)

	// No name cell: derived from the link
	assert.Equal(t, 2, songs[2].Index)
	assert.Equal(t, "1-05 Unnamed", songs[2].Name)
}

func TestParseAlbumPage_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no name", `<div id="pageContent"><table id="songlist"></table></div>`},
		{"no song list", `<div id="pageContent"><h2>Album</h2></div>`},
		{"empty", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NewParser().ParseAlbumPage([]byte(tt.body), albumURL)
			assert.ErrorIs(t, err, utils.ErrParsing)
		})
	}
}

func TestParseAlbumPage_EmptySongList(t *testing.T) {
	name, songs, err := NewParser().ParseAlbumPage([]byte(`<div id="pageContent"><h2>Empty</h2><table id="songlist"></table></div>`), albumURL)
	require.NoError(t, err)
	assert.Equal(t, "Empty", name)
	assert.Empty(t, songs)
}

func TestParseSongPage(t *testing.T) {
	songURL := albumURL + "/1-01%2520Intro.mp3"

	t.Run("audio element", func(t *testing.T) {
		mp3, err := NewParser().ParseSongPage([]byte(songPageAudio), songURL)
		require.NoError(t, err)
		assert.Equal(t, "https://vgmsite.com/soundtracks/quake/abc/01%20Intro.mp3", mp3)
	})

	t.Run("download link", func(t *testing.T) {
		mp3, err := NewParser().ParseSongPage([]byte(songPageLinks), songURL)
		require.NoError(t, err)
		assert.Equal(t, "https://vgmsite.com/soundtracks/quake/abc/01%20Intro.MP3", mp3)
	})

	t.Run("signed audio URL keeps its query", func(t *testing.T) {
		page := `<div id="pageContent"><audio id="audio" src="https://cdn.example.com/a/01.mp3?token=abc&amp;exp=1#t=10"></audio></div>`
		mp3, err := NewParser().ParseSongPage([]byte(page), songURL)
		require.NoError(t, err)
		assert.Equal(t, "https://cdn.example.com/a/01.mp3?token=abc&exp=1", mp3)
	})

	t.Run("signed download link keeps its query", func(t *testing.T) {
		page := `<div id="pageContent"><p><a href="/dl/02.mp3?token=xyz">Click here to download as MP3</a></p></div>`
		mp3, err := NewParser().ParseSongPage([]byte(page), songURL)
		require.NoError(t, err)
		assert.Equal(t, "https://downloads.khinsider.com/dl/02.mp3?token=xyz", mp3)
	})

	t.Run("no mp3", func(t *testing.T) {
		_, err := NewParser().ParseSongPage([]byte(`<div id="pageContent"><a href="/x.flac">flac</a></div>`), songURL)
		assert.ErrorIs(t, err, utils.ErrParsing)
	})
}

func TestParse_InvalidPageURL(t *testing.T) {
	_, err := NewParser().ParseSongPage([]byte(songPageAudio), "http://[::1")
	assert.ErrorIs(t, err, utils.ErrParsing)
}
