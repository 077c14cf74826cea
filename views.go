package main

import (
	"fmt"
	"time"

	"github.com/filedock/filedock/pkg/store"
	"github.com/filedock/filedock/pkg/token"
)

// FileView is the immutable projection of a stored record handed to
// clients. It is built by a pure transform and never aliases the record.
type FileView struct {
	ID           string    `json:"id"`
	FileName     string    `json:"file_name"`
	Size         int64     `json:"size"`
	Tags         string    `json:"tags"`
	IsShared     bool      `json:"is_shared"`
	ShareURL     string    `json:"share_url"`
	DownloadURL  string    `json:"download_url"`
	ExpiresAt    int64     `json:"expires_at"`
	RemainingSec int64     `json:"remaining_sec"`
	CreatedAt    time.Time `json:"created_at"`
}

// buildFileView derives the client-facing view of one record. baseURL is
// scheme://host; urlExpiresSec bounds the short-lived private download link
// minted for the owner.
func buildFileView(f *store.File, baseURL string, signer *token.Signer, now time.Time, urlExpiresSec int64) FileView {
	downloadBase := "/f/"
	if f.FolderID != 0 {
		downloadBase = "/shared/download/"
	}

	v := FileView{
		ID:        f.ID,
		FileName:  f.FileName,
		Size:      f.Size,
		Tags:      f.Tags,
		IsShared:  f.IsShared,
		ExpiresAt: f.ExpiresAt,
		CreatedAt: f.CreatedAt,
	}

	if f.IsShared && f.Token != "" {
		v.ShareURL = fmt.Sprintf("%s%s%s", baseURL, downloadBase, f.Token)
		if f.ExpiresAt != 0 {
			if remaining := f.ExpiresAt - now.Unix(); remaining > 0 {
				v.RemainingSec = remaining
			}
		}
	}

	// The owner always gets a fresh short-lived link, independent of the
	// sharing state.
	private := signer.Sign(f.ID, now.Unix()+urlExpiresSec)
	v.DownloadURL = downloadBase + private

	return v
}
