// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	_ "github.com/drblury/cfxflow/transport/aws"
	_ "github.com/drblury/cfxflow/transport/channel"
	_ "github.com/drblury/cfxflow/transport/http"
	_ "github.com/drblury/cfxflow/transport/kafka"
	_ "github.com/drblury/cfxflow/transport/nats"
	_ "github.com/drblury/cfxflow/transport/rabbitmq"
)
