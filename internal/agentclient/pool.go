package agentclient

import "sync"

type cachedClient struct {
	client *Client
	url    string
}

// Pool caches one Client per project path. A cached client is only reused
// while the project's server URL is unchanged.
type Pool struct {
	mu      sync.Mutex
	clients map[string]cachedClient
}

func NewPool() *Pool {
	return &Pool{clients: make(map[string]cachedClient)}
}

// GetClient returns the cached client for projectPath when it was built for
// serverURL, otherwise replaces it with a new one. A non-empty password adds
// an "Authorization: Bearer" header.
func (p *Pool) GetClient(projectPath, serverURL, directory, password string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[projectPath]; ok && c.url == serverURL {
		return c.client
	}

	opts := Options{BaseURL: serverURL, Directory: directory}
	if password != "" {
		opts.Headers = map[string]string{"Authorization": "Bearer " + password}
	}
	c := New(opts)
	p.clients[projectPath] = cachedClient{client: c, url: serverURL}
	return c
}

func (p *Pool) Invalidate(projectPath string) {
	p.mu.Lock()
	delete(p.clients, projectPath)
	p.mu.Unlock()
}

func (p *Pool) InvalidateAll() {
	p.mu.Lock()
	p.clients = make(map[string]cachedClient)
	p.mu.Unlock()
}

func (p *Pool) Has(projectPath string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.clients[projectPath]
	return ok
}

func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}
