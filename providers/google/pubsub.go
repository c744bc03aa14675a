package google

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/googleapi"
	pubsub "google.golang.org/api/pubsub/v1"

	"github.com/loom-iac/loom/internal/provider"
)

func (p *Provider) pubsubService(ctx context.Context) (*pubsub.Service, error) {
	p.pubsubOnce.Do(func() {
		p.pubsub, p.pubsubErr = pubsub.NewService(ctx)
	})
	if p.pubsubErr != nil {
		return nil, fmt.Errorf("failed to create pubsub service: %w", p.pubsubErr)
	}
	return p.pubsub, nil
}

func (p *Provider) createTopic(ctx context.Context, props map[string]any) (string, map[string]any, error) {
	svc, err := p.pubsubService(ctx)
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

	fullName := fmt.Sprintf("projects/%s/topics/%s", project, name)
	topic := &pubsub.Topic{Labels: stringMap(props, "labels")}

	created, err := svc.Projects.Topics.Create(fullName, topic).Context(ctx).Do()
	if err != nil {
		return "", nil, fmt.Errorf("failed to create topic %s: %w", fullName, err)
	}
	return created.Name, topicOutputs(created), nil
}

func (p *Provider) readTopic(ctx context.Context, id string) (map[string]any, error) {
	svc, err := p.pubsubService(ctx)
	if err != nil {
		return nil, err
	}
	topic, err := svc.Projects.Topics.Get(id).Context(ctx).Do()
	if isNotFound(err) {
		return nil, provider.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read topic %s: %w", id, err)
	}
	return topicOutputs(topic), nil
}

func (p *Provider) updateTopic(ctx context.Context, id string, props map[string]any) (map[string]any, error) {
	svc, err := p.pubsubService(ctx)
	if err != nil {
		return nil, err
	}

	req := &pubsub.UpdateTopicRequest{
		Topic:      &pubsub.Topic{Name: id, Labels: stringMap(props, "labels")},
		UpdateMask: "labels",
	}
	topic, err := svc.Projects.Topics.Patch(id, req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to update topic %s: %w", id, err)
	}
	return topicOutputs(topic), nil
}

func (p *Provider) deleteTopic(ctx context.Context, id string) error {
	svc, err := p.pubsubService(ctx)
	if err != nil {
		return err
	}
	_, err = svc.Projects.Topics.Delete(id).Context(ctx).Do()
	if isNotFound(err) {
		return provider.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete topic %s: %w", id, err)
	}
	return nil
}

func topicOutputs(topic *pubsub.Topic) map[string]any {
	return map[string]any{
		"name": topic.Name,
	}
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 404
}
