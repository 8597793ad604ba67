// Package provision assembles and tears down managed containers: the
// generic create+wait-until-running flow, and the AceStream-specific
// port/env/label wiring built on top of it (§4.6).
package provision

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/krinkuto11/aceorchestrator/internal/apperr"
	"github.com/krinkuto11/aceorchestrator/internal/config"
	"github.com/krinkuto11/aceorchestrator/internal/naming"
	"github.com/krinkuto11/aceorchestrator/internal/ports"
	"github.com/krinkuto11/aceorchestrator/internal/runtime"
)

const pollInterval = 500 * time.Millisecond

// Request is the generic provisioning input (§4.6.1).
type Request struct {
	Image      string
	Env        map[string]string
	Labels     map[string]string
	PortBinds  map[string]int
	NamePrefix string
}

// Result is what a generic provision returns.
type Result struct {
	ContainerID   string
	ContainerName string
}

// AceRequest is the AceStream-specific provisioning input (§4.6.2).
type AceRequest struct {
	Image         string
	Env           map[string]string
	Labels        map[string]string
	FixedHostPort int // 0 means "allocate one"
}

// AceResult is what an AceStream provision returns.
type AceResult struct {
	ContainerID        string
	ContainerName      string
	HostHTTPPort       int
	ContainerHTTPPort  int
	ContainerHTTPSPort int
}

// Provisioner drives C3 (runtime), C2 (ports) and C5 (naming) to assemble
// and tear down managed containers.
type Provisioner struct {
	cfg *config.Config
	rt  runtime.Adapter
	pa  *ports.Allocator
	nm  *naming.Namer
}

// New builds a Provisioner.
func New(cfg *config.Config, rt runtime.Adapter, pa *ports.Allocator, nm *naming.Namer) *Provisioner {
	return &Provisioner{cfg: cfg, rt: rt, pa: pa, nm: nm}
}

// Provision runs the generic container flow (§4.6.1).
func (p *Provisioner) Provision(ctx context.Context, req Request) (Result, error) {
	image := req.Image
	if image == "" {
		image = p.cfg.TargetImage
	}
	labels := mergeLabels(req.Labels, p.cfg.ContainerLabelKey, p.cfg.ContainerLabelValue)

	name, err := p.nm.NextName(ctx, req.NamePrefix)
	if err != nil {
		return Result{}, err
	}

	spec := runtime.Spec{
		Name:          name,
		Image:         image,
		Env:           req.Env,
		Labels:        labels,
		PortBindings:  req.PortBinds,
		RestartPolicy: "unless-stopped",
	}
	created, err := p.rt.CreateAndStart(ctx, spec)
	if err != nil {
		return Result{}, mapCreateError(image, err)
	}

	if err := p.waitRunning(ctx, created.ID); err != nil {
		p.forceRemove(ctx, created.ID)
		return Result{}, err
	}

	return Result{ContainerID: created.ID, ContainerName: created.Name}, nil
}

// ProvisionAceStream runs the AceStream-specific flow (§4.6.2), allocating
// all required ports and assembling the CONF blob, env and labels.
func (p *Provisioner) ProvisionAceStream(ctx context.Context, req AceRequest) (AceResult, error) {
	hostHTTP := req.FixedHostPort
	var err error
	if hostHTTP == 0 {
		hostHTTP, err = p.pa.Alloc(ports.Host)
		if err != nil {
			return AceResult{}, err
		}
	} else {
		p.pa.Reserve(ports.Host, hostHTTP)
	}

	cHTTP, err := p.pa.Alloc(ports.HTTP)
	if err != nil {
		p.pa.Free(ports.Host, hostHTTP)
		return AceResult{}, err
	}
	cHTTPS, err := p.pa.AllocHTTPS(cHTTP)
	if err != nil {
		p.pa.Free(ports.Host, hostHTTP)
		p.pa.Free(ports.HTTP, cHTTP)
		return AceResult{}, err
	}

	releaseAll := func() {
		p.pa.Free(ports.Host, hostHTTP)
		p.pa.Free(ports.HTTP, cHTTP)
		p.pa.Free(ports.HTTPS, cHTTPS)
	}

	conf, hasConf := req.Env["CONF"]
	if !hasConf {
		conf = "--http-port=" + strconv.Itoa(cHTTP) + "\n--https-port=" + strconv.Itoa(cHTTPS) + "\n--bind-all"
	}

	env := map[string]string{}
	for k, v := range req.Env {
		env[k] = v
	}
	env["CONF"] = conf
	env["HTTP_PORT"] = strconv.Itoa(cHTTP)
	env["HTTPS_PORT"] = strconv.Itoa(cHTTPS)
	env["BIND_ALL"] = "true"

	labels := mergeLabels(req.Labels, p.cfg.ContainerLabelKey, p.cfg.ContainerLabelValue)
	labels["acestream.http_port"] = strconv.Itoa(cHTTP)
	labels["acestream.https_port"] = strconv.Itoa(cHTTPS)
	labels["host.http_port"] = strconv.Itoa(hostHTTP)

	portBinds := map[string]int{
		strconv.Itoa(cHTTP) + "/tcp": hostHTTP,
	}

	var hostHTTPS int
	if p.cfg.AceMapHTTPS {
		hostHTTPS, err = p.pa.Alloc(ports.Host)
		if err != nil {
			releaseAll()
			return AceResult{}, err
		}
		labels["host.https_port"] = strconv.Itoa(hostHTTPS)
		portBinds[strconv.Itoa(cHTTPS)+"/tcp"] = hostHTTPS
	}

	image := req.Image
	if image == "" {
		image = p.cfg.TargetImage
	}

	name, err := p.nm.NextName(ctx, "acestream")
	if err != nil {
		releaseAll()
		if hostHTTPS != 0 {
			p.pa.Free(ports.Host, hostHTTPS)
		}
		return AceResult{}, err
	}

	spec := runtime.Spec{
		Name:          name,
		Image:         image,
		Env:           env,
		Labels:        labels,
		PortBindings:  portBinds,
		RestartPolicy: "unless-stopped",
	}
	created, err := p.rt.CreateAndStart(ctx, spec)
	if err != nil {
		releaseAll()
		if hostHTTPS != 0 {
			p.pa.Free(ports.Host, hostHTTPS)
		}
		return AceResult{}, mapCreateError(image, err)
	}

	if err := p.waitRunning(ctx, created.ID); err != nil {
		releaseAll()
		if hostHTTPS != 0 {
			p.pa.Free(ports.Host, hostHTTPS)
		}
		p.forceRemove(ctx, created.ID)
		return AceResult{}, err
	}

	return AceResult{
		ContainerID:        created.ID,
		ContainerName:      created.Name,
		HostHTTPPort:       hostHTTP,
		ContainerHTTPPort:  cHTTP,
		ContainerHTTPSPort: cHTTPS,
	}, nil
}

// Stop implements teardown (§4.6.3): inspect labels, stop with 10s grace,
// release the four port labels, then remove.
func (p *Provisioner) Stop(ctx context.Context, id string) error {
	view, err := p.rt.Inspect(ctx, id)
	if err != nil {
		return err
	}

	if err := p.rt.Stop(ctx, id, 10); err != nil {
		logrus.WithError(err).WithField("container_id", id).Warn("stop failed, proceeding to remove")
	}

	p.releasePortLabels(view.Labels)

	return p.rt.Remove(ctx, id, true)
}

func (p *Provisioner) releasePortLabels(labels map[string]string) {
	for label, r := range map[string]ports.Range{
		"host.http_port":       ports.Host,
		"host.https_port":      ports.Host,
		"acestream.http_port":  ports.HTTP,
		"acestream.https_port": ports.HTTPS,
	} {
		v, ok := labels[label]
		if !ok {
			continue
		}
		port, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		p.pa.Free(r, port)
	}
}

func (p *Provisioner) waitRunning(ctx context.Context, id string) error {
	deadline := time.Now().Add(time.Duration(p.cfg.StartupTimeoutS) * time.Second)
	for {
		view, err := p.rt.Inspect(ctx, id)
		if err == nil && view.Status == runtime.StatusRunning {
			return nil
		}
		if err == nil && (view.Status == runtime.StatusExited || view.Status == runtime.StatusDead) {
			return apperr.New(apperr.StartupFailed, "container terminated before becoming ready")
		}
		if time.Now().After(deadline) {
			return apperr.New(apperr.StartupFailed, "container did not become ready before STARTUP_TIMEOUT_S")
		}
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.StartupFailed, "provisioning cancelled", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

func (p *Provisioner) forceRemove(ctx context.Context, id string) {
	if err := p.rt.Remove(ctx, id, true); err != nil {
		logrus.WithError(err).WithField("container_id", id).Warn("rollback remove failed")
	}
}

func mergeLabels(caller map[string]string, labelKey, labelValue string) map[string]string {
	out := map[string]string{}
	for k, v := range caller {
		out[k] = v
	}
	out[labelKey] = labelValue
	return out
}

func mapCreateError(image string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found"), strings.Contains(msg, "pull access denied"):
		return apperr.Wrap(apperr.ImageUnavailable, "image unavailable: "+image, err)
	case strings.Contains(msg, "network"):
		return apperr.Wrap(apperr.NetworkError, "network error creating container", err)
	default:
		return apperr.Wrap(apperr.StartupFailed, "failed to create container", err)
	}
}
