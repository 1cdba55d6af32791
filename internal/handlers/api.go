package handlers

import (
	"context"
	"net/http"

	"github.com/bleepstore/gridstore/internal/docstore"
	"github.com/bleepstore/gridstore/internal/gridfs"
	"github.com/danielgtaylor/huma/v2"
)

// BucketPath identifies a bucket.
type BucketPath struct {
	Bucket string `path:"bucket" doc:"Bucket name" example:"fs"`
}

// FilePath identifies a file within a bucket.
type FilePath struct {
	Bucket string `path:"bucket" doc:"Bucket name" example:"fs"`
	ID     string `path:"id" doc:"File id"`
}

// ListFilesInput is the input of list-files.
type ListFilesInput struct {
	BucketPath
	Filename string `query:"filename" doc:"Only list uploads of this filename"`
	Skip     int64  `query:"skip" minimum:"0" doc:"Records to skip"`
	Limit    int64  `query:"limit" minimum:"0" doc:"Maximum records to return; 0 means no limit"`
}

// ListFilesBody lists file records, oldest upload first.
type ListFilesBody struct {
	Files []gridfs.File `json:"files"`
}

// ListFilesOutput is the output of list-files.
type ListFilesOutput struct {
	Body ListFilesBody
}

// RenameFileInput is the input of rename-file.
type RenameFileInput struct {
	FilePath
	Body struct {
		Filename string `json:"filename" minLength:"1" doc:"New filename"`
	}
}

// ListBucketsOutput lists the buckets this process has served.
type ListBucketsOutput struct {
	Body struct {
		Buckets []string `json:"buckets"`
	}
}

// Register adds the record operations to api.
func (h *FileHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-buckets",
		Method:      http.MethodGet,
		Path:        "/buckets",
		Summary:     "List buckets",
		Description: "Returns the buckets used since the server started.",
		Tags:        []string{"Buckets"},
	}, func(ctx context.Context, _ *struct{}) (*ListBucketsOutput, error) {
		out := &ListBucketsOutput{}
		out.Body.Buckets = h.reg.Names()
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-files",
		Method:      http.MethodGet,
		Path:        "/buckets/{bucket}/files",
		Summary:     "List file records",
		Tags:        []string{"Files"},
	}, h.listFiles)

	huma.Register(api, huma.Operation{
		OperationID:   "rename-file",
		Method:        http.MethodPatch,
		Path:          "/buckets/{bucket}/files/{id}",
		Summary:       "Rename a file",
		Tags:          []string{"Files"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, in *RenameFileInput) (*struct{}, error) {
		b, err := h.reg.Bucket(in.Bucket)
		if err != nil {
			return nil, errorBody(ctx, err)
		}
		if err := b.Rename(ctx, in.ID, in.Body.Filename, nil); err != nil {
			return nil, errorBody(ctx, err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-file",
		Method:        http.MethodDelete,
		Path:          "/buckets/{bucket}/files/{id}",
		Summary:       "Delete a file",
		Description:   "Removes the file record and every chunk of the file.",
		Tags:          []string{"Files"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, in *FilePath) (*struct{}, error) {
		b, err := h.reg.Bucket(in.Bucket)
		if err != nil {
			return nil, errorBody(ctx, err)
		}
		if err := b.Delete(ctx, in.ID, nil); err != nil {
			return nil, errorBody(ctx, err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "drop-bucket",
		Method:        http.MethodDelete,
		Path:          "/buckets/{bucket}",
		Summary:       "Drop a bucket",
		Description:   "Removes every file and chunk of the bucket.",
		Tags:          []string{"Buckets"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, in *BucketPath) (*struct{}, error) {
		b, err := h.reg.Bucket(in.Bucket)
		if err != nil {
			return nil, errorBody(ctx, err)
		}
		if err := b.Drop(ctx, nil); err != nil {
			return nil, errorBody(ctx, err)
		}
		return nil, nil
	})
}

func (h *FileHandler) listFiles(ctx context.Context, in *ListFilesInput) (*ListFilesOutput, error) {
	b, err := h.reg.Bucket(in.Bucket)
	if err != nil {
		return nil, errorBody(ctx, err)
	}
	var filter docstore.Filter
	if in.Filename != "" {
		filter = docstore.Eq("filename", in.Filename)
	}
	cur, err := b.Find(ctx, filter, &gridfs.FindOptions{
		Sort:  []docstore.SortField{docstore.Asc("uploadDate"), docstore.Asc("_id")},
		Skip:  in.Skip,
		Limit: in.Limit,
	})
	if err != nil {
		return nil, errorBody(ctx, err)
	}
	files, err := cur.All(ctx)
	if err != nil {
		return nil, errorBody(ctx, err)
	}
	if files == nil {
		files = []gridfs.File{}
	}
	return &ListFilesOutput{Body: ListFilesBody{Files: files}}, nil
}
