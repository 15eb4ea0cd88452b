package store

func (b *ElasticBackend) SetPageSize(n int) { b.pageSize = n }
