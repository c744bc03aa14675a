package google

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/loom-iac/loom/internal/provider"
)

func (p *Provider) storageClient(ctx context.Context) (*storage.Client, error) {
	p.storageOnce.Do(func() {
		p.storage, p.storageErr = storage.NewClient(ctx)
	})
	if p.storageErr != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", p.storageErr)
	}
	return p.storage, nil
}

func (p *Provider) createBucket(ctx context.Context, props map[string]any) (string, map[string]any, error) {
	client, err := p.storageClient(ctx)
	if err != nil {
		return "", nil, err
	}
	name, err := stringProp(props, "name")
	if err != nil {
		return "", nil, err
	}
	project, err := p.projectFor(props)
	if err != nil {
		return "", nil, err
	}

	attrs := bucketAttrs(props)
	if err := client.Bucket(name).Create(ctx, project, attrs); err != nil {
		return "", nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
	}
	return name, bucketOutputs(name, attrs.Location, attrs.StorageClass), nil
}

func (p *Provider) readBucket(ctx context.Context, name string) (map[string]any, error) {
	client, err := p.storageClient(ctx)
	if err != nil {
		return nil, err
	}
	attrs, err := client.Bucket(name).Attrs(ctx)
	if errors.Is(err, storage.ErrBucketNotExist) {
		return nil, provider.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bucket %s: %w", name, err)
	}
	return bucketOutputs(attrs.Name, attrs.Location, attrs.StorageClass), nil
}

func (p *Provider) updateBucket(ctx context.Context, name string, props map[string]any) (map[string]any, error) {
	client, err := p.storageClient(ctx)
	if err != nil {
		return nil, err
	}

	update := storage.BucketAttrsToUpdate{}
	if sc := optionalString(props, "storageClass"); sc != "" {
		update.StorageClass = sc
	}
	if labels := stringMap(props, "labels"); labels != nil {
		for k, v := range labels {
			update.SetLabel(k, v)
		}
	}
	if optionalBool(props, "uniformBucketLevelAccess") {
		update.UniformBucketLevelAccess = &storage.UniformBucketLevelAccess{Enabled: true}
	}
	if _, ok := optionalInt(props, "lifecycleAge"); ok {
		lifecycle := bucketAttrs(props).Lifecycle
		update.Lifecycle = &lifecycle
	}

	attrs, err := client.Bucket(name).Update(ctx, update)
	if err != nil {
		return nil, fmt.Errorf("failed to update bucket %s: %w", name, err)
	}
	return bucketOutputs(attrs.Name, attrs.Location, attrs.StorageClass), nil
}

func (p *Provider) deleteBucket(ctx context.Context, name string, inputs map[string]any) error {
	client, err := p.storageClient(ctx)
	if err != nil {
		return err
	}
	bucket := client.Bucket(name)

	// GCS refuses to delete a non-empty bucket; forceDestroy opts in to
	// emptying it first.
	if optionalBool(inputs, "forceDestroy") {
		if err := emptyBucket(ctx, bucket); err != nil {
			return fmt.Errorf("failed to empty bucket %s: %w", name, err)
		}
	}

	err = bucket.Delete(ctx)
	if errors.Is(err, storage.ErrBucketNotExist) {
		return provider.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete bucket %s: %w", name, err)
	}
	return nil
}

// emptyBucket deletes every object in the bucket.
func emptyBucket(ctx context.Context, bucket *storage.BucketHandle) error {
	it := bucket.Objects(ctx, nil)
	for {
		obj, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		err = bucket.Object(obj.Name).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return err
		}
	}
}

// bucketAttrs maps declared bucket properties to creation attributes. A
// lifecycleAge of N days installs a delete-after-age rule.
func bucketAttrs(props map[string]any) *storage.BucketAttrs {
	attrs := &storage.BucketAttrs{
		Location:     optionalString(props, "location"),
		StorageClass: optionalString(props, "storageClass"),
		Labels:       stringMap(props, "labels"),
	}
	if optionalBool(props, "uniformBucketLevelAccess") {
		attrs.UniformBucketLevelAccess = storage.UniformBucketLevelAccess{Enabled: true}
	}
	if age, ok := optionalInt(props, "lifecycleAge"); ok && age > 0 {
		attrs.Lifecycle = storage.Lifecycle{
			Rules: []storage.LifecycleRule{{
				Action:    storage.LifecycleAction{Type: storage.DeleteAction},
				Condition: storage.LifecycleCondition{AgeInDays: age},
			}},
		}
	}
	return attrs
}

func bucketOutputs(name, location, storageClass string) map[string]any {
	return map[string]any{
		"name":         name,
		"location":     location,
		"storageClass": storageClass,
		"url":          "gs://" + name,
	}
}
