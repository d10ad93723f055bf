package docker

import (
	"fmt"
	"strings"

	"github.com/docker/go-connections/nat"
)

// LabelManaged marks images and containers created by the platform.
const LabelManaged = "shipyard.managed"

// DefaultContainerPort is the port container applications are expected to listen on.
const DefaultContainerPort = "3000"

// ImageTag names the image built for one deployment of an application.
func ImageTag(application, deploymentID string) string {
	return fmt.Sprintf("shipyard/%s:%s", application, shortID(deploymentID))
}

// ContainerName names the container running one deployment of an application.
func ContainerName(application, deploymentID string) string {
	return fmt.Sprintf("shipyard-%s-%s", application, shortID(deploymentID))
}

// RunCommand returns a foreground `docker run` invocation publishing
// containerPort on the loopback interface at hostPort. hostPort may be a
// placeholder substituted by the caller.
func RunCommand(name, imageRef, containerPort, hostPort string) ([]string, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(imageRef) == "" {
		return nil, fmt.Errorf("container name and image are required")
	}
	if containerPort == "" {
		containerPort = DefaultContainerPort
	}
	port, err := nat.NewPort("tcp", containerPort)
	if err != nil {
		return nil, fmt.Errorf("container port: %w", err)
	}
	return []string{
		"docker", "run", "--rm",
		"--name", name,
		"--label", LabelManaged + "=true",
		"-p", fmt.Sprintf("127.0.0.1:%s:%s/%s", hostPort, port.Port(), port.Proto()),
		"-e", "PORT=" + port.Port(),
		imageRef,
	}, nil
}

func shortID(id string) string {
	id = strings.ReplaceAll(strings.ToLower(id), "-", "")
	if len(id) > 12 {
		return id[:12]
	}
	if id == "" {
		return "latest"
	}
	return id
}
