package google

import (
	"context"
	"fmt"
	"strings"
	"time"

	bigquery "google.golang.org/api/bigquery/v2"

	"github.com/loom-iac/loom/internal/provider"
)

const jobPollInterval = 2 * time.Second

func (p *Provider) bigqueryService(ctx context.Context) (*bigquery.Service, error) {
	p.bigqueryOnce.Do(func() {
		p.bigquery, p.bigqueryErr = bigquery.NewService(ctx)
	})
	if p.bigqueryErr != nil {
		return nil, fmt.Errorf("failed to create bigquery service: %w", p.bigqueryErr)
	}
	return p.bigquery, nil
}

func (p *Provider) createDataset(ctx context.Context, props map[string]any) (string, map[string]any, error) {
	svc, err := p.bigqueryService(ctx)
	if err != nil {
		return "", nil, err
	}
	datasetID, err := stringProp(props, "datasetId")
	if err != nil {
		return "", nil, err
	}
	project, err := p.projectFor(props)
	if err != nil {
		return "", nil, err
	}

	dataset := &bigquery.Dataset{
		DatasetReference: &bigquery.DatasetReference{
			ProjectId: project,
			DatasetId: datasetID,
		},
		Location:    optionalString(props, "location"),
		Description: optionalString(props, "description"),
		Labels:      stringMap(props, "labels"),
	}

	created, err := svc.Datasets.Insert(project, dataset).Context(ctx).Do()
	if err != nil {
		return "", nil, fmt.Errorf("failed to create dataset %s: %w", datasetID, err)
	}
	return project + ":" + datasetID, datasetOutputs(created), nil
}

func (p *Provider) readDataset(ctx context.Context, id string) (map[string]any, error) {
	svc, err := p.bigqueryService(ctx)
	if err != nil {
		return nil, err
	}
	project, datasetID, err := splitDatasetID(id)
	if err != nil {
		return nil, err
	}

	dataset, err := svc.Datasets.Get(project, datasetID).Context(ctx).Do()
	if isNotFound(err) {
		return nil, provider.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset %s: %w", id, err)
	}
	return datasetOutputs(dataset), nil
}

func (p *Provider) updateDataset(ctx context.Context, id string, props map[string]any) (map[string]any, error) {
	svc, err := p.bigqueryService(ctx)
	if err != nil {
		return nil, err
	}
	project, datasetID, err := splitDatasetID(id)
	if err != nil {
		return nil, err
	}

	patch := &bigquery.Dataset{
		Description: optionalString(props, "description"),
		Labels:      stringMap(props, "labels"),
	}
	updated, err := svc.Datasets.Patch(project, datasetID, patch).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to update dataset %s: %w", id, err)
	}
	return datasetOutputs(updated), nil
}

func (p *Provider) deleteDataset(ctx context.Context, id string) error {
	svc, err := p.bigqueryService(ctx)
	if err != nil {
		return err
	}
	project, datasetID, err := splitDatasetID(id)
	if err != nil {
		return err
	}

	err = svc.Datasets.Delete(project, datasetID).DeleteContents(true).Context(ctx).Do()
	if isNotFound(err) {
		return provider.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete dataset %s: %w", id, err)
	}
	return nil
}

// runJob submits a DDL query job and waits for it to finish. The job itself
// is the resource: replacing it re-runs the statement.
func (p *Provider) runJob(ctx context.Context, props map[string]any) (string, map[string]any, error) {
	svc, err := p.bigqueryService(ctx)
	if err != nil {
		return "", nil, err
	}
	query, err := stringProp(props, "query")
	if err != nil {
		return "", nil, err
	}
	project, err := p.projectFor(props)
	if err != nil {
		return "", nil, err
	}

	useLegacy := false
	job := &bigquery.Job{
		Configuration: &bigquery.JobConfiguration{
			Query: &bigquery.JobConfigurationQuery{
				Query:        query,
				UseLegacySql: &useLegacy,
			},
		},
	}
	if location := optionalString(props, "location"); location != "" {
		job.JobReference = &bigquery.JobReference{
			ProjectId: project,
			Location:  location,
		}
	}

	inserted, err := svc.Jobs.Insert(project, job).Context(ctx).Do()
	if err != nil {
		return "", nil, fmt.Errorf("failed to submit job: %w", err)
	}
	jobID := inserted.JobReference.JobId
	location := inserted.JobReference.Location

	done, err := p.waitForJob(ctx, project, jobID, location)
	if err != nil {
		return "", nil, err
	}
	return project + ":" + jobID, jobOutputs(done), nil
}

func (p *Provider) waitForJob(ctx context.Context, project, jobID, location string) (*bigquery.Job, error) {
	svc, err := p.bigqueryService(ctx)
	if err != nil {
		return nil, err
	}

	for {
		call := svc.Jobs.Get(project, jobID).Context(ctx)
		if location != "" {
			call = call.Location(location)
		}
		job, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to poll job %s: %w", jobID, err)
		}

		if job.Status != nil && job.Status.State == "DONE" {
			if job.Status.ErrorResult != nil {
				return nil, fmt.Errorf("job %s failed: %s", jobID, job.Status.ErrorResult.Message)
			}
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("job %s wait cancelled: %w", jobID, ctx.Err())
		case <-time.After(jobPollInterval):
		}
	}
}

func (p *Provider) readJob(ctx context.Context, id string, current map[string]any) (map[string]any, error) {
	svc, err := p.bigqueryService(ctx)
	if err != nil {
		return nil, err
	}
	project, jobID, err := splitDatasetID(id)
	if err != nil {
		return nil, err
	}

	job, err := svc.Jobs.Get(project, jobID).Context(ctx).Do()
	if isNotFound(err) {
		// Job history expired; the statement's effect persists, so keep the
		// record as applied.
		return current, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job %s: %w", id, err)
	}
	return jobOutputs(job), nil
}

func datasetOutputs(dataset *bigquery.Dataset) map[string]any {
	outputs := map[string]any{
		"location": dataset.Location,
	}
	if dataset.DatasetReference != nil {
		outputs["datasetId"] = dataset.DatasetReference.DatasetId
		outputs["project"] = dataset.DatasetReference.ProjectId
	}
	return outputs
}

func jobOutputs(job *bigquery.Job) map[string]any {
	outputs := map[string]any{}
	if job.JobReference != nil {
		outputs["jobId"] = job.JobReference.JobId
		outputs["location"] = job.JobReference.Location
	}
	if job.Status != nil {
		outputs["state"] = job.Status.State
	}
	return outputs
}

func splitDatasetID(id string) (project, rest string, err error) {
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed identifier %q, want project:id", id)
	}
	return parts[0], parts[1], nil
}
