package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/flowdag/tez-am/internal/ids"
	"github.com/flowdag/tez-am/internal/nm"
	"github.com/flowdag/tez-am/internal/rm"
)

// loggingRMClient is a placeholder rm.Client: the cluster resource
// manager is an external collaborator out of scope for this module
// (spec.md §1(a)). It logs every call it would have made and reports
// failure, so the AM's own retry/reschedule machinery is exercised end
// to end even with no real YARN-equivalent behind it.
type loggingRMClient struct {
	log *zap.Logger
}

func (c *loggingRMClient) Allocate(ctx context.Context, ask rm.Ask) (rm.Grant, error) {
	c.log.Info("rm allocate (no resource manager wired)", zap.String("attempt", ask.Attempt.String()))
	return rm.Grant{}, errNoResourceManager
}

func (c *loggingRMClient) Release(ctx context.Context, containerID ids.ContainerId) error {
	c.log.Info("rm release (no resource manager wired)", zap.String("container", containerID.String()))
	return nil
}

// loggingNMClient is the analogous placeholder for the node manager.
type loggingNMClient struct {
	log *zap.Logger
}

func (c *loggingNMClient) StartContainer(ctx context.Context, launchCtx nm.LaunchContext) error {
	c.log.Info("nm startContainer (no node manager wired)", zap.String("container", launchCtx.Container.String()))
	return errNoNodeManager
}

func (c *loggingNMClient) StopContainer(ctx context.Context, containerID ids.ContainerId) error {
	c.log.Info("nm stopContainer (no node manager wired)", zap.String("container", containerID.String()))
	return nil
}
