package gridfs

import (
	"sort"

	gerrors "github.com/bleepstore/gridstore/internal/errors"
)

// LatestRevision selects the most recent upload of a filename.
const LatestRevision = -1

// Revision returns a pointer to r for use in DownloadOptions.
func Revision(r int) *int { return &r }

// ResolveRevision picks one file from files, which must be ordered oldest
// upload first. A revision r >= 0 counts from the oldest upload (0 is the
// original); r < 0 counts back from the newest (-1 is the latest).
func ResolveRevision(files []File, r int) (File, error) {
	idx := r
	if r < 0 {
		idx = len(files) + r
	}
	if idx < 0 || idx >= len(files) {
		return File{}, gerrors.ErrFileNotFound.WithMessage("revision %d not found among %d uploads", r, len(files))
	}
	return files[idx], nil
}

// sortRevisions orders files by upload date, ties broken by id.
func sortRevisions(files []File) {
	sort.SliceStable(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if !a.UploadDate.Equal(b.UploadDate) {
			return a.UploadDate.Before(b.UploadDate)
		}
		return a.ID < b.ID
	})
}
