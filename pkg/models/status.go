package models

// TaskKind identifies the variant of a CrawlTask
type TaskKind string

const (
	TaskKindUnset      TaskKind = ""            // Zero value = not a valid task
	TaskKindLetter     TaskKind = "letter"      // First page of a letter bucket
	TaskKindLetterPage TaskKind = "letter_page" // Page 2..N of a letter bucket
	TaskKindAlbum      TaskKind = "album"       // Album detail page
	TaskKindSong       TaskKind = "song"        // Song detail page
)

// String implements fmt.Stringer for logging
func (k TaskKind) String() string {
	if k == "" {
		return "unset"
	}
	return string(k)
}

// IsValid returns true if the kind is one of the known task variants
func (k TaskKind) IsValid() bool {
	switch k {
	case TaskKindLetter, TaskKindLetterPage, TaskKindAlbum, TaskKindSong:
		return true
	}
	return false
}

// AllTaskKinds lists the variants in fan-out order, used for metric label initialisation
var AllTaskKinds = []TaskKind{TaskKindLetter, TaskKindLetterPage, TaskKindAlbum, TaskKindSong}

// DownloadOutcome is the result of materializing one song file
type DownloadOutcome string

const (
	DownloadDownloaded DownloadOutcome = "downloaded" // File fetched and promoted
	DownloadSkipped    DownloadOutcome = "skipped"    // Destination already existed
	DownloadFailed     DownloadOutcome = "failed"     // Retries exhausted
)

// String implements fmt.Stringer for logging
func (o DownloadOutcome) String() string {
	return string(o)
}
