package grpcutil

import (
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ConnectionPool hands out client connections to workers by name,
// creating them lazily and reusing them across requests. Workers are
// addressed by "host:port" names, which double as their identity in
// the backplane worker set.
type ConnectionPool struct {
	lock        sync.Mutex
	connections map[string]*grpc.ClientConn
}

// NewConnectionPool creates an empty connection pool.
func NewConnectionPool() *ConnectionPool {
	return &ConnectionPool{
		connections: map[string]*grpc.ClientConn{},
	}
}

// Get returns a connection to the named worker, dialing if needed.
func (cp *ConnectionPool) Get(worker string) (grpc.ClientConnInterface, error) {
	cp.lock.Lock()
	defer cp.lock.Unlock()
	if conn, ok := cp.connections[worker]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(worker, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	cp.connections[worker] = conn
	return conn, nil
}

// Remove closes and forgets the connection to a worker, typically
// because the worker has been removed from the worker set.
func (cp *ConnectionPool) Remove(worker string) {
	cp.lock.Lock()
	conn, ok := cp.connections[worker]
	delete(cp.connections, worker)
	cp.lock.Unlock()
	if ok {
		conn.Close()
	}
}

// Close closes all pooled connections.
func (cp *ConnectionPool) Close() {
	cp.lock.Lock()
	defer cp.lock.Unlock()
	for worker, conn := range cp.connections {
		conn.Close()
		delete(cp.connections, worker)
	}
}
