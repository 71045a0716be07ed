package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"archflow/backend/internal/errs"
	"archflow/backend/internal/repository"
	"archflow/backend/internal/storage"
	"archflow/backend/pkg/models"

	"github.com/google/uuid"
)

// HTTPSpecGenerator is an HTTP implementation of the SpecGenerator interface.
type HTTPSpecGenerator struct {
	t *transport
}

// NewHTTPSpecGenerator creates a new HTTPSpecGenerator.
func NewHTTPSpecGenerator(baseURL string, topts TransportOptions, deps Deps) *HTTPSpecGenerator {
	return &HTTPSpecGenerator{t: newTransport(DependencySpecGenerator, baseURL, topts, deps)}
}

// Generate returns the structured document for a prompt.
func (g *HTTPSpecGenerator) Generate(ctx context.Context, requestID, prompt string, params map[string]any) (map[string]any, error) {
	var out struct {
		StructuredDocument map[string]any `json:"structured_document"`
	}
	_, err := g.t.do(ctx, call{
		method:        http.MethodPost,
		path:          "/generate",
		correlationID: requestID,
		body: map[string]any{
			"prompt":     prompt,
			"parameters": params,
		},
		out: &out,
		validate: func() error {
			if len(out.StructuredDocument) == 0 {
				return errors.New("response has no structured_document")
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return out.StructuredDocument, nil
}

// HTTPGeometryRenderer is an HTTP implementation of the GeometryRenderer interface.
type HTTPGeometryRenderer struct {
	t *transport
}

// NewHTTPGeometryRenderer creates a new HTTPGeometryRenderer.
func NewHTTPGeometryRenderer(baseURL string, topts TransportOptions, deps Deps) *HTTPGeometryRenderer {
	return &HTTPGeometryRenderer{t: newTransport(DependencyRenderer, baseURL, topts, deps)}
}

// Render returns the binary model and its content type.
func (r *HTTPGeometryRenderer) Render(ctx context.Context, artifactID string, document map[string]any) ([]byte, string, error) {
	resp, err := r.t.do(ctx, call{
		method:        http.MethodPost,
		path:          "/render",
		correlationID: artifactID,
		body:          map[string]any{"structured_document": document},
	})
	if err != nil {
		return nil, "", err
	}
	if len(resp.Body) == 0 {
		return nil, "", &errs.Error{Kind: errs.DataIntegrity, Dependency: DependencyRenderer, Detail: "empty render body"}
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "model/gltf-binary"
	}
	return resp.Body, contentType, nil
}

// GeometryService renders a document and stores the blob, keeping only the
// resulting URL.
type GeometryService struct {
	renderer GeometryRenderer
	blobs    storage.BlobStore
	results  repository.ResultStore
	now      func() time.Time
}

// NewGeometryService creates a new GeometryService.
func NewGeometryService(renderer GeometryRenderer, blobs storage.BlobStore, results repository.ResultStore) *GeometryService {
	return &GeometryService{renderer: renderer, blobs: blobs, results: results, now: time.Now}
}

// Render renders document for artifactID and persists the render reference.
func (s *GeometryService) Render(ctx context.Context, artifactID string, document map[string]any, optimized bool) (*models.GeometryRender, error) {
	blob, contentType, err := s.renderer.Render(ctx, artifactID, document)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	key := fmt.Sprintf("renders/%s/%s%s", artifactID, id, extensionFor(contentType))
	url, err := s.blobs.Put(ctx, key, blob, contentType)
	if err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, "object_storage", err)
	}

	render := &models.GeometryRender{
		ID:          id,
		ArtifactID:  artifactID,
		URL:         url,
		ContentType: contentType,
		SizeBytes:   int64(len(blob)),
		Optimized:   optimized,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.results.SaveGeometryRender(ctx, render); err != nil {
		return nil, errs.Wrap(errs.Internal, "", fmt.Errorf("failed to save render: %w", err))
	}
	return render, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "model/gltf-binary":
		return ".glb"
	case "model/gltf+json":
		return ".gltf"
	case "model/obj":
		return ".obj"
	default:
		return ".bin"
	}
}
