package records

// CreateProductsTableSQL creates the products table holding one sync record
// per product id.
const CreateProductsTableSQL = `
CREATE TABLE IF NOT EXISTS products (
    product_id BIGINT NOT NULL UNIQUE,
    release_time TIMESTAMP NOT NULL,
    is_uploaded BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const selectAllSQL = `
SELECT product_id, release_time, is_uploaded, created_at, updated_at
FROM products
ORDER BY product_id
`

const selectOneSQL = `
SELECT product_id, release_time, is_uploaded, created_at, updated_at
FROM products
WHERE product_id = ?
`

// upsertSQL keeps created_at from the first insert.
const upsertSQL = `
INSERT INTO products (product_id, release_time, is_uploaded, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (product_id) DO UPDATE SET
    release_time = excluded.release_time,
    is_uploaded = excluded.is_uploaded,
    updated_at = excluded.updated_at
`
