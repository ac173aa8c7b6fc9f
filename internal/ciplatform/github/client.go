// Package github implements ports.CIPlatform against the GitHub
// Actions API.
package github

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"github.com/fleetlabs/fleet-server/internal/core/config"
	"github.com/fleetlabs/fleet-server/internal/core/ports"
)

type Client struct {
	gh *github.Client
}

var _ ports.CIPlatform = (*Client)(nil)

func NewClient(ctx context.Context, cfg config.GitHubConfig) (*Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	httpClient := oauth2.NewClient(ctx, ts)

	gh := github.NewClient(httpClient)
	if cfg.BaseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("configure enterprise base url: %w", err)
		}
	}

	return &Client{gh: gh}, nil
}

// splitTarget resolves a repo target "owner/name" into its parts; org
// targets return the org and an empty repo.
func splitTarget(target ports.Target) (owner, repo string) {
	if target.TargetType == ports.TargetTypeRepo {
		if idx := strings.IndexByte(target.Name, '/'); idx > 0 {
			return target.Name[:idx], target.Name[idx+1:]
		}
	}
	return target.Name, ""
}

func (c *Client) GetRunners(ctx context.Context, target ports.Target) ([]ports.RegisteredRunner, error) {
	owner, repo := splitTarget(target)
	opts := &github.ListRunnersOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var all []ports.RegisteredRunner
	for {
		var (
			runners *github.Runners
			resp    *github.Response
			err     error
		)
		if repo == "" {
			runners, resp, err = c.gh.Actions.ListOrganizationRunners(ctx, owner, opts)
		} else {
			runners, resp, err = c.gh.Actions.ListRunners(ctx, owner, repo, opts)
		}
		if err != nil {
			return nil, fmt.Errorf("list runners for %s: %w", target.Name, err)
		}

		for _, r := range runners.Runners {
			all = append(all, ports.RegisteredRunner{
				ID:     r.GetID(),
				Name:   r.GetName(),
				Busy:   r.GetBusy(),
				Online: r.GetStatus() == "online",
			})
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

func (c *Client) GetRegistrationToken(ctx context.Context, target ports.Target) (string, error) {
	owner, repo := splitTarget(target)

	var (
		token *github.RegistrationToken
		err   error
	)
	if repo == "" {
		token, _, err = c.gh.Actions.CreateOrganizationRegistrationToken(ctx, owner)
	} else {
		token, _, err = c.gh.Actions.CreateRegistrationToken(ctx, owner, repo)
	}
	if err != nil {
		return "", fmt.Errorf("creating registration token: %w", err)
	}
	return token.GetToken(), nil
}

func (c *Client) RemoveRunner(ctx context.Context, target ports.Target, id int64) (bool, error) {
	owner, repo := splitTarget(target)

	var err error
	if repo == "" {
		_, err = c.gh.Actions.RemoveOrganizationRunner(ctx, owner, id)
	} else {
		_, err = c.gh.Actions.RemoveRunner(ctx, owner, repo, id)
	}
	if err != nil {
		return false, fmt.Errorf("remove runner %d from %s: %w", id, target.Name, err)
	}
	return true, nil
}

func (c *Client) GetJobInfo(ctx context.Context, owner, repo string, ciJobID int64) (*ports.JobInfo, error) {
	job, _, err := c.gh.Actions.GetWorkflowJobByID(ctx, owner, repo, ciJobID)
	if err != nil {
		return nil, fmt.Errorf("get workflow job %d: %w", ciJobID, err)
	}
	return &ports.JobInfo{
		Status:     job.GetStatus(),
		Conclusion: job.GetConclusion(),
	}, nil
}
